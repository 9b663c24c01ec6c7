package models

// AccountConfig — креды и адрес одного суб-аккаунта.
type AccountConfig struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// PairConfig — пара суб-аккаунтов под противоположные ноги.
// Иммутабельна после загрузки конфига.
type PairConfig struct {
	ShortAccount AccountConfig `yaml:"short_account"`
	LongAccount  AccountConfig `yaml:"long_account"`
}

func (p PairConfig) Name() string {
	return p.ShortAccount.Name + "/" + p.LongAccount.Name
}
