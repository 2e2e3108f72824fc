// Package config holds the yaml configuration of a running transport and
// reloads it on SIGHUP.
package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads every yaml file found at path in lexical order, later files
// override earlier ones.
func (c *C) Load(path string) error {
	files, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	c.path = path
	return c.parse(files)
}

// LoadString loads one or more raw yaml documents, later ones override earlier ones.
func (c *C) LoadString(raw ...string) error {
	if len(raw) == 0 || raw[0] == "" {
		return errors.New("empty configuration")
	}
	return c.parse(raw)
}

// RegisterReloadCallback adds f to the functions run after every successful
// reload. Callbacks run in order on the reloading goroutine and should use
// HasChanged or Changed to decide whether they have anything to do.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad is true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs between the settings
// before and after the last reload. An empty k compares everything. Values
// are compared by their yaml encoding, so reordered maps may show up as a
// change.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// Changed returns the keys that HasChanged reports as changed.
func (c *C) Changed(keys ...string) []string {
	var changed []string
	for _, k := range keys {
		if c.HasChanged(k) {
			changed = append(changed, k)
		}
	}
	return changed
}

// CatchHUP reloads the files given to Load every time the process receives
// SIGHUP, until ctx is done. Configs loaded from strings are never reloaded.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig reloads the files given to Load. Errors are logged and leave
// the current settings in place.
func (c *C) ReloadConfig() {
	err := c.reload(func() error {
		files, err := ReadConfigFiles(c.path)
		if err != nil {
			return err
		}
		return c.parse(files)
	})
	if err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
	}
}

// ReloadConfigString replaces the settings with raw and runs the callbacks.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error {
		return c.parse([]string{raw})
	})
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	// Shallow, parse replaces Settings instead of modifying it.
	prev := maps.Clone(c.Settings)
	if err := load(); err != nil {
		return err
	}
	c.oldSettings = prev

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// GetString returns the value of k formatted as a string, or d if k is not set.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetInt returns the value of k as an int, or d if k is not set or not a number.
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, strconv.Itoa(d)))
	if err != nil {
		return d
	}
	return v
}

// GetBool also accepts y, yes, n and no.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	switch r {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}

	v, err := strconv.ParseBool(r)
	if err != nil {
		return d
	}
	return v
}

// GetDuration parses the value of k with time.ParseDuration, or returns d.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// Get walks the dotted path k through nested maps, nil when any part is
// missing.
func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		if v, ok = m[p]; !ok {
			return nil
		}
	}

	return v
}

func (c *C) parse(docs []string) error {
	var m map[string]any

	for _, doc := range docs {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(doc), &nm); err != nil {
			return err
		}
		if nm == nil {
			nm = map[string]any{}
		}

		// Later documents win, ring overrides in separate files merge per ring
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return err
		}
		m = nm
	}

	c.Settings = m
	return nil
}
