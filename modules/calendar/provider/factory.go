package provider

import (
	"fmt"
	"sync"

	"doer-api/modules/calendar/dto"
)

// Factory builds and caches one adapter per provider type. Configuration is
// validated eagerly: GetProvider fails before handing out an instance, not on
// the first API call.
type Factory struct {
	resolver *ConfigResolver
	store    ConnectionStore
	vault    *TokenVault

	mu        sync.Mutex
	instances map[string]CalendarProvider
}

func NewFactory(resolver *ConfigResolver, store ConnectionStore, vault *TokenVault) *Factory {
	return &Factory{
		resolver:  resolver,
		store:     store,
		vault:     vault,
		instances: map[string]CalendarProvider{},
	}
}

// supportedProviders is the closed set of provider tags accepted anywhere in
// the system, including route parameters.
var supportedProviders = map[string]bool{
	dto.ProviderGoogle:  true,
	dto.ProviderOutlook: true,
	dto.ProviderApple:   true,
}

func IsProviderSupported(provider string) bool {
	return supportedProviders[provider]
}

// ValidateProvider guards external input against the supported set.
func ValidateProvider(provider string) (string, error) {
	if !IsProviderSupported(provider) {
		return "", &NotFoundError{What: fmt.Sprintf("provider %q", provider)}
	}
	return provider, nil
}

// Register seeds the cache with a pre-built adapter. Callers use it to pin a
// provider to a non-default transport, tests included.
func (f *Factory) Register(providerType string, inst CalendarProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[providerType] = inst
}

func (f *Factory) GetProvider(providerType string) (CalendarProvider, error) {
	if _, err := ValidateProvider(providerType); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if inst, ok := f.instances[providerType]; ok {
		return inst, nil
	}

	var inst CalendarProvider
	switch providerType {
	case dto.ProviderGoogle:
		inst = NewGoogleProvider(f.resolver, f.store, f.vault)
	case dto.ProviderOutlook:
		inst = NewOutlookProvider(f.resolver, f.store, f.vault)
	case dto.ProviderApple:
		inst = NewAppleCalDAVProvider(f.resolver, f.store, f.vault)
	}

	if err := inst.ValidateConfig(); err != nil {
		return nil, err
	}

	f.instances[providerType] = inst
	return inst, nil
}
