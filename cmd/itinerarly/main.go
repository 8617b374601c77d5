// Command itinerarly はログインと日次トークン残高を管理するAPIサーバー・ワーカー。
//
//	itinerarly [serve]      APIサーバー（既定）
//	itinerarly worker       日次リセットと保持期間スイーパー
//	itinerarly migrate      PostgreSQLのマイグレーション
//	itinerarly healthcheck  /healthの疎通確認
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/itinerarly/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "itinerarly: %v\n", err)
		os.Exit(1)
	}
}
