package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"gopkg.in/yaml.v2"

	"github.com/spf13/viper"
)

const outputFile = "configs/values_local.yaml"

type account struct {
	Name      string `mapstructure:"name" yaml:"name"`
	Address   string `mapstructure:"address" yaml:"address"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
}

// loadAccounts читает плоский список субаккаунтов и проверяет, что из него
// можно собрать пары: чётное количество, уникальные адреса, полные креды.
func loadAccounts() ([]account, error) {
	var accounts []account
	if err := viper.UnmarshalKey("accounts", &accounts); err != nil {
		return nil, errors.Wrap(err, "unmarshal accounts")
	}
	if len(accounts) == 0 {
		return nil, errors.New("accounts list is empty")
	}
	if len(accounts)%2 != 0 {
		return nil, errors.Errorf("accounts count must be even to pair them, got %d", len(accounts))
	}

	seen := map[string]string{}
	for _, a := range accounts {
		if a.Name == "" || a.Address == "" || a.APIKey == "" || a.APISecret == "" {
			return nil, errors.Errorf("account %q: name, address, api_key and api_secret are required", a.Name)
		}
		if prev, ok := seen[a.Address]; ok {
			return nil, errors.Errorf("accounts %s and %s share address %s", prev, a.Name, a.Address)
		}
		seen[a.Address] = a.Name
	}

	return accounts, nil
}

// buildConfig склеивает итоговый конфиг: defaults как есть, main_account и
// api сверху, аккаунты парами (0,1), (2,3), ...
func buildConfig(accounts []account) map[string]any {
	out := map[string]any{}
	for k, v := range viper.GetStringMap("defaults") {
		out[k] = v
	}
	out["main_account"] = viper.GetStringMap("main_account")
	out["api"] = viper.GetStringMap("api")

	pairs := make([]map[string]account, 0, len(accounts)/2)
	for i := 0; i < len(accounts); i += 2 {
		pairs = append(pairs, map[string]account{
			"short_account": accounts[i],
			"long_account":  accounts[i+1],
		})
	}
	out["pairs"] = pairs

	return out
}

func writeConfig(cfg map[string]any) error {
	bs, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config to yaml")
	}
	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return errors.Wrap(err, "create configs dir")
	}
	// в файле креды, права только владельцу
	if err := os.WriteFile(outputFile, bs, 0o600); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

func main() {
	viper.SetConfigName(".pairs.base")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if viper.GetString("main_account.address") == "" {
		panic("has no main_account.address in config")
	}
	if viper.GetString("api.key") == "" || viper.GetString("api.secret") == "" {
		panic("has no api.key/api.secret in config")
	}

	accounts, err := loadAccounts()
	if err != nil {
		panic(fmt.Errorf("load accounts: %w", err))
	}

	if err := writeConfig(buildConfig(accounts)); err != nil {
		panic(fmt.Errorf("write config: %w", err))
	}

	fmt.Printf("%d pairs -> %s\n", len(accounts)/2, outputFile)
	fmt.Println("done")
}
