package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモード。引数なしの場合の既定値。
	CommandServe Command = "serve"
	// CommandWorker は日次リセットと保持期間スイーパーのみを実行するモード。
	CommandWorker Command = "worker"
	// CommandMigrate はPostgreSQLのマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は/healthを叩いて終了する。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
	return cmd, nil
}

// ParseMigrateArgs はmigrateサブコマンドの引数を解析し、巻き戻すステップ数を返す。
// 0は全マイグレーションの適用を表す。
//
//	migrate            全て適用
//	migrate up         全て適用
//	migrate down       1つ巻き戻す
//	migrate down N     N個巻き戻す
func ParseMigrateArgs(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	switch args[0] {
	case "up":
		if len(args) > 1 {
			return 0, fmt.Errorf("migrate up takes no arguments")
		}
		return 0, nil
	case "down":
		if len(args) == 1 {
			return 1, nil
		}
		if len(args) > 2 {
			return 0, fmt.Errorf("migrate down takes at most one argument")
		}
		steps, err := strconv.Atoi(args[1])
		if err != nil || steps <= 0 {
			return 0, fmt.Errorf("invalid migrate down steps %q (want a positive integer)", args[1])
		}
		return steps, nil
	default:
		return 0, fmt.Errorf("unknown migrate direction %q (want up or down)", args[0])
	}
}
