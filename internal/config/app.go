package config

import (
	"fmt"
	"strings"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/spf13/viper"
)

// App is the static application document (config.json).
type App struct {
	TargetAccount       string               `mapstructure:"targetAccount" json:"targetAccount"`
	Community           string               `mapstructure:"community" json:"community"`
	CommunityTag        string               `mapstructure:"communityTag" json:"communityTag"`
	Messages            []string             `mapstructure:"messages" json:"messages"`
	DefaultMessageIndex int                  `mapstructure:"defaultMessageIndex" json:"defaultMessageIndex"`
	Beneficiaries       []domain.Beneficiary `mapstructure:"beneficiaries" json:"beneficiaries"`
	Nodes               []string             `mapstructure:"nodes" json:"nodes"`
}

// DefaultApp is used whenever config.json is missing or unusable.
func DefaultApp() App {
	return App{
		TargetAccount: "paynsnap",
		Community:     "hive-110011",
		CommunityTag:  "paynsnap",
		Messages: []string{
			"Just paid {amount} to @{account} with Pay n Snap!",
			"{from} sent {amount} to @{account}. Snap!",
			"Paid {amount} to {account}",
		},
		Nodes: []string{"https://api.hive.blog", "https://api.deathwing.me"},
	}
}

// LoadApp reads the JSON document at path over the defaults. On any failure
// it returns DefaultApp together with the error so callers can report it.
func LoadApp(path string) (App, error) {
	def := DefaultApp()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("targetAccount", def.TargetAccount)
	v.SetDefault("community", def.Community)
	v.SetDefault("communityTag", def.CommunityTag)
	v.SetDefault("messages", def.Messages)
	v.SetDefault("defaultMessageIndex", def.DefaultMessageIndex)
	v.SetDefault("nodes", def.Nodes)

	if err := v.ReadInConfig(); err != nil {
		return def, fmt.Errorf("read app config: %w", err)
	}
	var app App
	if err := v.Unmarshal(&app); err != nil {
		return def, fmt.Errorf("decode app config: %w", err)
	}
	if err := app.Validate(); err != nil {
		return def, err
	}
	return app, nil
}

// Validate checks the document and fills gaps left by a partial file.
func (a *App) Validate() error {
	a.TargetAccount = strings.TrimSpace(a.TargetAccount)
	if a.TargetAccount == "" {
		return fmt.Errorf("app config: targetAccount is required")
	}
	if a.CommunityTag == "" {
		a.CommunityTag = a.Community
	}
	if len(a.Messages) == 0 {
		a.Messages = DefaultApp().Messages
	}
	if a.DefaultMessageIndex < 0 || a.DefaultMessageIndex >= len(a.Messages) {
		a.DefaultMessageIndex = 0
	}
	if len(a.Nodes) == 0 {
		a.Nodes = DefaultApp().Nodes
	}

	var total float64
	seen := make(map[string]bool, len(a.Beneficiaries))
	for _, b := range a.Beneficiaries {
		if strings.TrimSpace(b.Account) == "" {
			return fmt.Errorf("app config: beneficiary without account")
		}
		if seen[b.Account] {
			return fmt.Errorf("app config: duplicate beneficiary %q", b.Account)
		}
		seen[b.Account] = true
		if b.Percentage <= 0 || b.Percentage > 100 {
			return fmt.Errorf("app config: beneficiary %q percentage %v out of range", b.Account, b.Percentage)
		}
		total += b.Percentage
	}
	if total > 100 {
		return fmt.Errorf("app config: beneficiaries total %v%% exceeds 100%%", total)
	}
	return nil
}
