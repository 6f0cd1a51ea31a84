package classifier

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

//go:embed signatures.yaml
var defaultSignatures []byte

// CaptchaSignature maps body patterns to a CAPTCHA vendor name.
type CaptchaSignature struct {
	Type     string   `mapstructure:"type"`
	Patterns []string `mapstructure:"patterns"`
}

// SignatureFile is the on-disk shape of the signature tables.
type SignatureFile struct {
	Captcha []CaptchaSignature `mapstructure:"captcha"`
	Block   []string           `mapstructure:"block"`
}

// Signatures is the compiled, immutable form of a SignatureFile.
type Signatures struct {
	captcha []compiledCaptcha
	block   []*regexp.Regexp
}

type compiledCaptcha struct {
	kind     string
	patterns []*regexp.Regexp
}

// Compile validates and compiles f. Patterns match case-insensitively.
func Compile(f SignatureFile) (*Signatures, error) {
	s := &Signatures{}
	for _, c := range f.Captcha {
		if c.Type == "" {
			return nil, fmt.Errorf("classifier: captcha signature without type")
		}
		cc := compiledCaptcha{kind: c.Type}
		for _, p := range c.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("classifier: captcha %q pattern %q: %w", c.Type, p, err)
			}
			cc.patterns = append(cc.patterns, re)
		}
		s.captcha = append(s.captcha, cc)
	}
	for _, p := range f.Block {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("classifier: block pattern %q: %w", p, err)
		}
		s.block = append(s.block, re)
	}
	return s, nil
}

// Default returns the built-in signature tables.
func Default() *Signatures {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultSignatures)); err != nil {
		panic(fmt.Sprintf("classifier: built-in signatures: %v", err))
	}
	s, err := decode(v)
	if err != nil {
		panic(err.Error())
	}
	return s
}

// Load reads signature tables from path (yaml, json or toml by extension).
func Load(path string) (*Signatures, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("classifier: read %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Signatures, error) {
	var f SignatureFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("classifier: decode signatures: %w", err)
	}
	return Compile(f)
}

// Watch loads path into c and keeps c updated whenever the file changes.
// An invalid update is logged and ignored; the previous tables stay active.
func Watch(c *Classifier, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("classifier: read %s: %w", path, err)
	}
	s, err := decode(v)
	if err != nil {
		return err
	}
	c.Swap(s)

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decode(v)
		if err != nil {
			slog.Warn("signature reload rejected", "file", e.Name, "error", err)
			return
		}
		c.Swap(updated)
		slog.Info("signatures reloaded", "file", e.Name,
			"captcha", len(updated.captcha), "block", len(updated.block))
	})
	v.WatchConfig()
	return nil
}
