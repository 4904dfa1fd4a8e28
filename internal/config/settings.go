package config

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Settings is the admin-editable document persisted under the "settings"
// store key. It mirrors the runtime-tunable subset of Config.
type Settings struct {
	Proxy           *ProxyConfig           `json:"proxy,omitempty"`
	Retry           *RetryConfig           `json:"retry,omitempty"`
	ImageGeneration *ImageGenerationConfig `json:"image_generation,omitempty"`
	VideoGeneration *VideoGenerationConfig `json:"video_generation,omitempty"`
	Register        *RegisterConfig        `json:"register,omitempty"`
	Mail            *MailConfig            `json:"mail,omitempty"`
	PublicDisplay   *PublicDisplayConfig   `json:"public_display,omitempty"`
	APIKeys         []APIKey               `json:"api_keys,omitempty"`
}

// ApplySettings overlays a persisted settings document onto the config.
// Sections absent from the document keep their file/env values. The clamped
// defaults run again afterwards so admin writes cannot smuggle in
// out-of-range cooldowns.
func (c *Config) ApplySettings(doc []byte) error {
	if len(doc) == 0 {
		return nil
	}
	if !gjson.ValidBytes(doc) {
		return fmt.Errorf("settings document is not valid JSON")
	}
	var s Settings
	if err := json.Unmarshal(doc, &s); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	if s.Proxy != nil {
		c.Proxy = *s.Proxy
	}
	if s.Retry != nil {
		c.Retry = *s.Retry
	}
	if s.ImageGeneration != nil {
		c.ImageGeneration = *s.ImageGeneration
	}
	if s.VideoGeneration != nil {
		c.VideoGeneration = *s.VideoGeneration
	}
	if s.Register != nil {
		c.Register = *s.Register
	}
	if s.Mail != nil {
		c.Mail = *s.Mail
	}
	if s.PublicDisplay != nil {
		c.PublicDisplay = *s.PublicDisplay
	}
	if s.APIKeys != nil {
		c.APIKeys = s.APIKeys
	}
	c.applyDefaults()
	return nil
}

// SettingsDocument extracts the tunable subset of the config as a settings
// document for persistence.
func (c *Config) SettingsDocument() ([]byte, error) {
	s := Settings{
		Proxy:           &c.Proxy,
		Retry:           &c.Retry,
		ImageGeneration: &c.ImageGeneration,
		VideoGeneration: &c.VideoGeneration,
		Register:        &c.Register,
		Mail:            &c.Mail,
		PublicDisplay:   &c.PublicDisplay,
		APIKeys:         c.APIKeys,
	}
	return json.Marshal(s)
}
