package discordvoice

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/discordvoice/config"
)

// OpenFunc opens one voice session for a registered technology.
type OpenFunc func(ctx context.Context, dest Destination, creds Credentials, cfg *config.Config) (*VoiceSession, error)

// Tech advertises a voice capability to the host. Registration happens
// once at startup, outside the session core.
type Tech struct {
	Name        string
	Description string
	Open        OpenFunc
}

var (
	regMu sync.Mutex
	techs = make(map[string]Tech)
)

// RegisterTech advertises a technology under its name. Registering the
// same name twice is an error; the host calls this once at module load.
func RegisterTech(t Tech) error {
	if t.Name == "" {
		return fmt.Errorf("technology needs a name")
	}
	if t.Open == nil {
		return fmt.Errorf("technology %q needs an open function", t.Name)
	}

	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := techs[t.Name]; dup {
		return fmt.Errorf("technology %q already registered", t.Name)
	}
	techs[t.Name] = t

	logrus.WithFields(logrus.Fields{
		"function": "RegisterTech",
		"tech":     t.Name,
	}).Info("Voice technology registered")
	return nil
}

// DeregisterTech removes a technology at module unload.
func DeregisterTech(name string) {
	regMu.Lock()
	delete(techs, name)
	regMu.Unlock()
}

// LookupTech finds a registered technology by name.
func LookupTech(name string) (Tech, bool) {
	regMu.Lock()
	defer regMu.Unlock()
	t, ok := techs[name]
	return t, ok
}
