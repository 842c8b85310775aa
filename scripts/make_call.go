package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

type fileConfig struct {
	Transport struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transport"`
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "")
	from := flag.String("from", "", "caller id")
	to := flag.String("to", "", "destination number")
	sessionID := flag.String("session", "", "control-plane session id for the call")
	voiceURL := flag.String("voice_url", "", "override the voice webhook url")
	sendDigits := flag.String("send_digits", "", "")
	statusCallback := flag.String("status_callback", "", "override the status callback url")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-session=id] [-config=...]")
		os.Exit(1)
	}

	cfg, err := loadTwilioConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}

	callSID, err := twilio.NewDialer(cfg).DialWithOptions(context.Background(), *to, *from, *voiceURL, transports.DialOptions{
		SessionID:      *sessionID,
		SendDigits:     *sendDigits,
		StatusCallback: *statusCallback,
	})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

func loadTwilioConfig(path string) (twilio.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("transport.provider", "twilio")
	if err := v.ReadInConfig(); err != nil {
		return twilio.Config{}, err
	}
	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		return twilio.Config{}, err
	}
	if raw.Transport.Provider != "twilio" {
		return twilio.Config{}, fmt.Errorf("transport.provider %q cannot dial", raw.Transport.Provider)
	}
	for k, val := range raw.Transport.Settings {
		if s, ok := val.(string); ok {
			raw.Transport.Settings[k] = os.ExpandEnv(s)
		}
	}
	var cfg twilio.Config
	if err := configutil.DecodeSettings(raw.Transport.Settings, &cfg); err != nil {
		return twilio.Config{}, err
	}
	if err := configutil.RequireString(cfg.AccountSID, "transport.settings.account_sid"); err != nil {
		return twilio.Config{}, err
	}
	if err := configutil.RequireString(cfg.AuthToken, "transport.settings.auth_token"); err != nil {
		return twilio.Config{}, err
	}
	return cfg, nil
}
