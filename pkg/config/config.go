package config

import (
	"sync"
)

var (
	globalManager *Manager
	globalMu      sync.Mutex
)

// Initialize loads configPath into the process-wide manager with every
// pagepilot section registered. An empty path means ~/.pagepilot/config.json.
func Initialize(configPath string) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	store, err := NewFileStore(configPath)
	if err != nil {
		return err
	}

	manager := NewManager(store)
	for _, section := range defaultSections() {
		if err := manager.RegisterSection(section); err != nil {
			return err
		}
	}

	if err := manager.LoadAll(); err != nil {
		return err
	}

	globalManager = manager
	return nil
}

func defaultSections() []Section {
	return []Section{
		NewLLMSection(),
		NewAutomationSection(),
		NewBrowserSection(),
		NewHistorySection(),
		NewPolicySection(),
	}
}

// Global returns the global configuration manager.
// Panics if Initialize has not been called.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalManager == nil {
		panic("config not initialized: call config.Initialize first")
	}

	return globalManager
}

// IsInitialized returns true if the global configuration has been initialized.
func IsInitialized() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalManager != nil
}

func globalSection[T Section](id string) T {
	var zero T
	if !IsInitialized() {
		return zero
	}
	section, ok := Global().GetSection(id)
	if !ok {
		return zero
	}
	typed, ok := section.(T)
	if !ok {
		return zero
	}
	return typed
}

// GetLLM returns the LLM section, or nil before Initialize.
func GetLLM() *LLMSection {
	return globalSection[*LLMSection](SectionIDLLM)
}

// GetAutomation returns the automation section, or nil before Initialize.
func GetAutomation() *AutomationSection {
	return globalSection[*AutomationSection](SectionIDAutomation)
}

// GetBrowser returns the browser section, or nil before Initialize.
func GetBrowser() *BrowserSection {
	return globalSection[*BrowserSection](SectionIDBrowser)
}

// GetHistory returns the history section, or nil before Initialize.
func GetHistory() *HistorySection {
	return globalSection[*HistorySection](SectionIDHistory)
}

// GetPolicy returns the policy section, or nil before Initialize.
func GetPolicy() *PolicySection {
	return globalSection[*PolicySection](SectionIDPolicy)
}
