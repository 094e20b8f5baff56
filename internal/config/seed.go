package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchTerm は初回起動時にストリーム設定へ投入する既定の検索語。
const DefaultSearchTerm = "mozhelp OR #mozhelp OR @mozhelp OR (mozfest AND help) OR (#mozfest AND help) OR (@mozillafestival AND help)"

// Seed は初回起動時に投入する初期データ。
type Seed struct {
	Stream StreamSeed `yaml:"stream"`
}

// StreamSeed はストリーム設定行の初期値。
type StreamSeed struct {
	SearchTerm string `yaml:"search_term"`
}

// LoadSeed はYAMLの初期データファイルを読み込む。
// pathが空の場合は既定値を返す。検索語が空の場合も既定値で補う。
func LoadSeed(path string) (*Seed, error) {
	seed := &Seed{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("初期データファイルの読み込みに失敗しました: %w", err)
		}
		if err := yaml.Unmarshal(data, seed); err != nil {
			return nil, fmt.Errorf("初期データファイルの解析に失敗しました: %w", err)
		}
	}
	seed.Stream.SearchTerm = strings.TrimSpace(seed.Stream.SearchTerm)
	if seed.Stream.SearchTerm == "" {
		seed.Stream.SearchTerm = DefaultSearchTerm
	}
	return seed, nil
}
