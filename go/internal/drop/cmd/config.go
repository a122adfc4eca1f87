package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studiosivad/dropengine/go/internal/models"
)

type Config struct {
	Storefront struct {
		BaseURL      string `yaml:"base_url"`
		WebsocketURL string `yaml:"websocket_url"`
	} `yaml:"storefront"`

	Drop struct {
		ProductID string    `yaml:"product_id"`
		Title     string    `yaml:"title"`
		EndTime   time.Time `yaml:"end_time"`
		Variants  []struct {
			VariantID string `yaml:"variant_id"`
			Price     string `yaml:"price"`
			Size      string `yaml:"size"`
			Available bool   `yaml:"available"`
		} `yaml:"variants"`
	} `yaml:"drop"`

	Fallback struct {
		CurrentReservations uint `yaml:"current_reservations"`
		AllocationTarget    uint `yaml:"allocation_target"`
	} `yaml:"fallback"`

	Revenue struct {
		DesignerPct     float64 `yaml:"designer_percentage"`
		CollaboratorPct float64 `yaml:"collaborator_percentage"`
		StudioPct       float64 `yaml:"studio_percentage"`
	} `yaml:"revenue"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Drop.ProductID == "" {
		return nil, fmt.Errorf("drop.product_id is required")
	}

	return &config, nil
}

func (c *Config) variants() []models.VariantOption {
	out := make([]models.VariantOption, 0, len(c.Drop.Variants))
	for _, v := range c.Drop.Variants {
		out = append(out, models.VariantOption{
			VariantID: v.VariantID,
			Price:     v.Price,
			Size:      v.Size,
			Available: v.Available,
		})
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
