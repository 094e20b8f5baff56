package app

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとストリームを起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Invocation はコマンドライン引数の解析結果。
type Invocation struct {
	Command Command
	// LogLevel は--log-levelの値。空の場合はLOG_LEVELを使用する。
	LogLevel string
	// SeedFile は--seed-fileの値。空の場合はSTREAM_SEED_FILEを使用する。
	SeedFile string
	// Port はhealthcheckの接続先ポート。空の場合はSERVER_PORTを使用する。
	Port string
}

// ParseArgs はコマンドライン引数からサブコマンドとフラグを解析する。
// サブコマンドが省略された場合はCommandServeとなる。フラグはサブコマンドの前後どちらにも置ける。
func ParseArgs(args []string) (*Invocation, error) {
	inv := &Invocation{}

	flagSet := pflag.NewFlagSet("tweetdesk", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&inv.LogLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	flagSet.StringVar(&inv.SeedFile, "seed-file", "", "ストリーム設定の初期データYAMLファイル")
	flagSet.StringVar(&inv.Port, "port", "", "healthcheckの接続先ポート")

	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("引数の解析に失敗しました: %w", err)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		inv.Command = CommandServe
		return inv, nil
	}

	switch Command(rest[0]) {
	case CommandServe, CommandMigrate, CommandHealthcheck:
		inv.Command = Command(rest[0])
	default:
		return nil, fmt.Errorf("不明なサブコマンドです: %s", rest[0])
	}
	return inv, nil
}
