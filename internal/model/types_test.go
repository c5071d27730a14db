package model

import (
	"errors"
	"testing"
)

func TestRuntimeConfigValidate(t *testing.T) {
	if err := DefaultRuntimeConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cases := map[string]func(*RuntimeConfig){
		"read min > max":      func(c *RuntimeConfig) { c.MinReadSec = 9; c.MaxReadSec = 1 },
		"typing min > max":    func(c *RuntimeConfig) { c.MinTypingSec = 20; c.MaxTypingSec = 3 },
		"response min > max":  func(c *RuntimeConfig) { c.MinResponseSec = 30; c.MaxResponseSec = 5 },
		"negative min":        func(c *RuntimeConfig) { c.MinReadSec = -1 },
		"negative interval":   func(c *RuntimeConfig) { c.MinMessageIntervalSec = -5 },
		"ignore over 100":     func(c *RuntimeConfig) { c.IgnorePercent = 101 },
		"negative ignore":     func(c *RuntimeConfig) { c.IgnorePercent = -1 },
		"media interval zero": func(c *RuntimeConfig) { c.MediaInterval = 0 },
	}
	for name, mutate := range cases {
		c := DefaultRuntimeConfig()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrConfigInvalid) {
			t.Errorf("%s: err = %v, want ErrConfigInvalid", name, err)
		}
	}
}

func TestRuntimeConfigMerge(t *testing.T) {
	c := DefaultRuntimeConfig()

	five := 5
	enabled := true
	host := "proxy.local"
	merged := c.Merge(ConfigPatch{
		MinReadSec:   &five,
		MediaEnabled: &enabled,
		ProxyHost:    &host,
	})

	if merged.MinReadSec != 5 || !merged.MediaEnabled || merged.ProxyHost != "proxy.local" {
		t.Fatalf("merged = %+v", merged)
	}
	// Nil fields keep the base values; the receiver is untouched.
	if merged.MaxReadSec != c.MaxReadSec || merged.IgnorePercent != c.IgnorePercent {
		t.Fatalf("merge clobbered unset fields: %+v", merged)
	}
	if c.MinReadSec != DefaultRuntimeConfig().MinReadSec {
		t.Fatal("merge must not mutate the receiver")
	}
}
