// Package config loads the debugger settings: event policies, the exception
// codes that are passed to the debuggee without stopping, and where the
// breakpoint databases live.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	configDir  string = ".dbgcore"
	configFile string = "config.yml"

	// EnvPrefix prefixes the environment overrides, DBGCORE_EVENTS_DLL_LOAD
	// overrides events.dll-load.
	EnvPrefix = "DBGCORE"
)

// Setting keys.
const (
	KeySystemBreakpoint = "events.system-breakpoint"
	KeyAttachBreakpoint = "events.attach-breakpoint"
	KeyEntryBreakpoint  = "events.entry-breakpoint"
	KeyTLSCallbacks     = "events.tls-callbacks"
	KeyDllEntry         = "events.dll-entry"
	KeyDllLoad          = "events.dll-load"
	KeyDllUnload        = "events.dll-unload"
	KeyThreadStart      = "events.thread-start"
	KeyThreadEnd        = "events.thread-end"
	KeyThreadEntry      = "events.thread-entry"
	KeyDebugStrings     = "events.debug-strings"

	KeyExceptionsIgnore = "exceptions.ignore"

	KeyDatabaseDir  = "database.dir"
	KeyDatabaseSave = "database.autosave"
)

// EventKeys lists the events.* keys in display order.
var EventKeys = []string{
	KeySystemBreakpoint,
	KeyAttachBreakpoint,
	KeyEntryBreakpoint,
	KeyTLSCallbacks,
	KeyDllEntry,
	KeyDllLoad,
	KeyDllUnload,
	KeyThreadStart,
	KeyThreadEnd,
	KeyThreadEntry,
	KeyDebugStrings,
}

// Events 调试事件策略，each flag decides whether the matching event pauses
// the debuggee or installs a breakpoint.
type Events struct {
	SystemBreakpoint bool // pause on the first breakpoint of a launched process
	AttachBreakpoint bool // pause on the first breakpoint of an attached process
	EntryBreakpoint  bool // single-shot breakpoint at the executable entry
	TLSCallbacks     bool // single-shot breakpoints at the TLS callbacks
	DllEntry         bool // single-shot breakpoint at each module entry
	DllLoad          bool // pause when a module is loaded
	DllUnload        bool // pause when a module is unloaded
	ThreadStart      bool // pause when a thread is created
	ThreadEnd        bool // pause when a thread exits
	ThreadEntry      bool // single-shot breakpoint at each thread entry
	DebugStrings     bool // pause on debug strings
}

// Settings is one consistent snapshot of the configuration.
type Settings struct {
	Events      Events
	Ignore      []ExceptionRange
	DatabaseDir string
	AutoSave    bool
}

// SetDefaults installs the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeySystemBreakpoint, true)
	v.SetDefault(KeyAttachBreakpoint, true)
	v.SetDefault(KeyEntryBreakpoint, true)
	v.SetDefault(KeyTLSCallbacks, true)
	v.SetDefault(KeyDllEntry, false)
	v.SetDefault(KeyDllLoad, false)
	v.SetDefault(KeyDllUnload, false)
	v.SetDefault(KeyThreadStart, false)
	v.SetDefault(KeyThreadEnd, false)
	v.SetDefault(KeyThreadEntry, false)
	v.SetDefault(KeyDebugStrings, false)
	v.SetDefault(KeyExceptionsIgnore, []string{})
	v.SetDefault(KeyDatabaseDir, defaultDatabaseDir())
	v.SetDefault(KeyDatabaseSave, true)
}

// New returns a viper instance with the defaults and the environment
// overrides set up, but no config file read.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadInConfig reads cfgFile, or ~/.dbgcore/config.yml when cfgFile is
// empty. A missing default file is not an error.
func ReadInConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return nil
	}

	dir, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	v.AddConfigPath(dir)
	v.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into Settings.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		Events: Events{
			SystemBreakpoint: v.GetBool(KeySystemBreakpoint),
			AttachBreakpoint: v.GetBool(KeyAttachBreakpoint),
			EntryBreakpoint:  v.GetBool(KeyEntryBreakpoint),
			TLSCallbacks:     v.GetBool(KeyTLSCallbacks),
			DllEntry:         v.GetBool(KeyDllEntry),
			DllLoad:          v.GetBool(KeyDllLoad),
			DllUnload:        v.GetBool(KeyDllUnload),
			ThreadStart:      v.GetBool(KeyThreadStart),
			ThreadEnd:        v.GetBool(KeyThreadEnd),
			ThreadEntry:      v.GetBool(KeyThreadEntry),
			DebugStrings:     v.GetBool(KeyDebugStrings),
		},
		DatabaseDir: v.GetString(KeyDatabaseDir),
		AutoSave:    v.GetBool(KeyDatabaseSave),
	}
	if dir, err := homedir.Expand(s.DatabaseDir); err == nil {
		s.DatabaseDir = dir
	}

	ranges, err := ParseRanges(v.GetStringSlice(KeyExceptionsIgnore))
	if err != nil {
		return nil, err
	}
	s.Ignore = ranges
	return s, nil
}

// IsEventKey reports whether key is one of the events.* keys.
func IsEventKey(key string) bool {
	for _, k := range EventKeys {
		if k == key {
			return true
		}
	}
	return false
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, configDir, file), nil
}

func defaultDatabaseDir() string {
	path, err := GetConfigFilePath("db")
	if err != nil {
		return filepath.Join(configDir, "db")
	}
	return path
}

// WriteDefaultConfig creates ~/.dbgcore/config.yml if it does not exist
// and returns its path.
func WriteDefaultConfig() (string, error) {
	if err := createConfigPath(); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}
	path, err := GetConfigFilePath(configFile)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0600); err != nil {
		return "", fmt.Errorf("unable to write default configuration: %w", err)
	}
	return path, nil
}

const defaultConfig = `# Configuration file for dbgcore.

# Event policies. "break" policies pause the debuggee, the others install
# single-shot breakpoints.
events:
  system-breakpoint: true
  attach-breakpoint: true
  entry-breakpoint: true
  tls-callbacks: true
  dll-entry: false
  dll-load: false
  dll-unload: false
  thread-start: false
  thread-end: false
  thread-entry: false
  debug-strings: false

# Exception codes passed to the debuggee without stopping on first chance,
# as hex ranges "start-end" or single codes.
exceptions:
  ignore:
    # - 0xC0000005-0xC0000005
    # - "0x4E000011"  (quote single codes, yaml reads them as numbers)

# Breakpoint databases, one file per executable.
database:
  # dir: ~/.dbgcore/db
  autosave: true
`
