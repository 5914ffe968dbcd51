package config

import "os"

type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	NatsURL      string
	KafkaBrokers string
	// Verify endpoints per gateway; a gateway without one cannot be
	// polled and relies on pushes alone.
	ChapaBaseURL    string
	TelebirrBaseURL string
}

func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	chapa := os.Getenv("CHAPA_BASE_URL")
	if chapa == "" {
		chapa = "https://api.chapa.co/v1"
	}

	telebirr := os.Getenv("TELEBIRR_BASE_URL")
	if telebirr == "" {
		telebirr = "https://api.telebirr.et"
	}

	return &Config{
		Port:            port,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		NatsURL:         os.Getenv("NATS_URL"),
		KafkaBrokers:    os.Getenv("KAFKA_BROKERS"),
		ChapaBaseURL:    chapa,
		TelebirrBaseURL: telebirr,
	}
}

// GatewayEndpoints maps gateway names onto their verify base URLs.
func (c *Config) GatewayEndpoints() map[string]string {
	endpoints := make(map[string]string)
	if c.ChapaBaseURL != "" {
		endpoints["chapa"] = c.ChapaBaseURL
	}
	if c.TelebirrBaseURL != "" {
		endpoints["telebirr"] = c.TelebirrBaseURL
	}
	return endpoints
}
