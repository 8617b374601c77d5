package model

import (
	"fmt"
	"time"
)

const civilDateLayout = "2006-01-02"

// CivilDate はタイムゾーンを持たない暦日（YYYY-MM-DD）を表す。
// ゼロ値は「未設定」を意味し、どの日付よりも前として扱う。
type CivilDate string

// DateOf は指定時刻をlocのタイムゾーンで見たときの暦日を返す。
func DateOf(t time.Time, loc *time.Location) CivilDate {
	return CivilDate(t.In(loc).Format(civilDateLayout))
}

// ParseCivilDate はYYYY-MM-DD形式の文字列をCivilDateに変換する。
// 空文字列はゼロ値として受け付ける。
func ParseCivilDate(s string) (CivilDate, error) {
	if s == "" {
		return "", nil
	}
	// PostgreSQLのdate型をtextで受け取った場合も先頭10文字で判定する
	if len(s) > len(civilDateLayout) {
		s = s[:len(civilDateLayout)]
	}
	if _, err := time.Parse(civilDateLayout, s); err != nil {
		return "", fmt.Errorf("invalid civil date %q: %w", s, err)
	}
	return CivilDate(s), nil
}

// IsZero は日付が未設定かどうかを返す。
func (d CivilDate) IsZero() bool {
	return d == ""
}

// Before はdがotherより前の日付かどうかを返す。
// YYYY-MM-DD形式は辞書順と日付順が一致する。
func (d CivilDate) Before(other CivilDate) bool {
	return d < other
}

// String はYYYY-MM-DD形式の文字列を返す。
func (d CivilDate) String() string {
	return string(d)
}

// Midnight はlocのタイムゾーンにおけるdの0時0分を返す。
func (d CivilDate) Midnight(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(civilDateLayout, string(d), loc)
}
