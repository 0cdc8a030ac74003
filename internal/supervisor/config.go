package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/persistence"
)

const (
	defaultSecondsBetweenRestarts = 5
	defaultMaxRestartsPerMinute   = 5
	defaultWaitOnShutdownSecs     = 5

	// misbehavingGraceWindow is how long a service whose name was read
	// from the misbehaving file keeps its cap action downgraded to
	// stop-restarting, per spec §8 property 9.
	misbehavingGraceWindow = time.Hour
)

// LoaderConfig is the set of directory tokens and paths the config loader
// needs. cmd/zhal-gateway resolves these from its own viper-backed global
// config before calling LoadConfig; this package only parses and
// token-substitutes the managerList document itself (spec §4.B.1, §6).
type LoaderConfig struct {
	ManagerListPath string
	ConfDir         string
	HomeDir         string // if empty, resolved via go-homedir
}

// LoadedConfig is the parsed, token-substituted, validated result.
type LoadedConfig struct {
	Services []ServiceDefinition
	Groups   map[string][]string
}

// LoadConfig parses the managerList YAML document at lc.ManagerListPath
// off fs, substituting CONF_DIR/HOME_DIR tokens and applying the defaults
// block to any field a managerDef entry omits.
func LoadConfig(fs afero.Fs, lc LoaderConfig) (*LoadedConfig, error) {
	homeDir := lc.HomeDir
	if homeDir == "" {
		dir, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve home dir: %w", err)
		}
		homeDir = dir
	}

	data, err := afero.ReadFile(fs, lc.ManagerListPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: read manager list: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("supervisor: parse manager list: %w", err)
	}

	managerList := cast.ToStringMap(doc["managerList"])
	defaults := parseDefaults(cast.ToStringMap(managerList["defaults"]))
	rawDefs, _ := managerList["managerDef"].([]any)

	subst := func(s string) string {
		s = strings.ReplaceAll(s, "CONF_DIR", lc.ConfDir)
		s = strings.ReplaceAll(s, "HOME_DIR", homeDir)
		return s
	}

	out := &LoadedConfig{Groups: make(map[string][]string)}
	for _, raw := range rawDefs {
		def, err := parseManagerDef(cast.ToStringMap(raw), defaults, subst)
		if err != nil {
			return nil, err
		}
		out.Services = append(out.Services, def)
		if def.Group != "" {
			out.Groups[def.Group] = append(out.Groups[def.Group], def.Name)
		}
	}

	return out, nil
}

type parsedDefaults struct {
	restartOnCrash         bool
	expectAck              bool
	secondsBetweenRestarts uint
	maxRestartsPerMinute   uint
	actionOnMaxRestarts    ActionOnCap
	waitOnShutdownSecs     uint
}

func parseDefaults(m map[string]any) parsedDefaults {
	return parsedDefaults{
		restartOnCrash:         castBoolOr(m["restartOnCrash"], true),
		expectAck:              castBoolOr(m["expectStartupAck"], false),
		secondsBetweenRestarts: castUintOr(m["secondsBetweenRestarts"], defaultSecondsBetweenRestarts),
		maxRestartsPerMinute:   castUintOr(m["maxRestartsPerMinute"], defaultMaxRestartsPerMinute),
		actionOnMaxRestarts:    parseActionOnCap(cast.ToString(orDefault(m["actionOnMaxRestarts"], "stopRestarting"))),
		waitOnShutdownSecs:     castUintOr(m["waitOnShutdown"], defaultWaitOnShutdownSecs),
	}
}

// normalizeGroupLabel canonicalizes a logicalGroup value into snake_case,
// so operators mixing casing conventions across managerList entries
// ("coreGroup" vs "CoreGroup") still land in the same group/event label.
// An empty input stays empty ("no group" rather than "group named '_'").
func normalizeGroupLabel(group string) string {
	if group == "" {
		return ""
	}
	return strcase.ToSnake(group)
}

// parseManagerDef builds one ServiceDefinition from a raw managerDef
// entry. Unknown fields are ignored; missing name/path is a validation
// error (spec §4.B.1).
func parseManagerDef(m map[string]any, defaults parsedDefaults, subst func(string) string) (ServiceDefinition, error) {
	name := cast.ToString(m["managerName"])
	path := cast.ToString(m["managerPath"])
	if name == "" || path == "" {
		return ServiceDefinition{}, fmt.Errorf("supervisor: manager entry missing managerName or managerPath: %v", m)
	}

	args := cast.ToStringSlice(m["argList"])
	for i, a := range args {
		args[i] = subst(a)
	}

	isJava := castBoolOr(m["isJavaService"], false)
	ipcPort := int(castUintOr(m["ipcPort"], 0))
	if isJava && ipcPort == 0 {
		return ServiceDefinition{}, fmt.Errorf("supervisor: java service %q missing ipcPort", name)
	}

	return ServiceDefinition{
		Name:                   name,
		Path:                   subst(path),
		Args:                   args,
		Group:                  normalizeGroupLabel(cast.ToString(m["logicalGroup"])),
		AutoStart:              castBoolOr(m["autoStart"], true),
		RestartOnCrash:         castBoolOr(m["restartOnCrash"], defaults.restartOnCrash),
		ExpectAck:              castBoolOr(m["expectStartupAck"], defaults.expectAck),
		SecondsBetweenRestarts: castUintOr(m["secondsBetweenRestarts"], defaults.secondsBetweenRestarts),
		MaxRestartsPerMinute:   castUintOr(m["maxRestartsPerMinute"], defaults.maxRestartsPerMinute),
		ActionOnMaxRestarts:    parseActionOnCap(cast.ToString(orDefault(m["actionOnMaxRestarts"], defaults.actionOnMaxRestarts.String()))),
		SinglePhaseStartup:     castBoolOr(m["singlePhaseStartup"], false),
		WaitOnShutdownSecs:     castUintOr(m["waitOnShutdown"], defaults.waitOnShutdownSecs),
		IsJavaService:          isJava,
		ConfiguredPort:         ipcPort,
	}, nil
}

// parseActionOnCap maps an unrecognized enum string to stop-restarting
// rather than failing validation (spec §4.B.1).
func parseActionOnCap(s string) ActionOnCap {
	if strings.EqualFold(s, "reboot") {
		return ActionReboot
	}
	return ActionStopRestarting
}

func castBoolOr(v any, def bool) bool {
	if v == nil {
		return def
	}
	return cast.ToBool(v)
}

func castUintOr(v any, def uint) uint {
	if v == nil {
		return def
	}
	return cast.ToUint(v)
}

func orDefault(v any, def any) any {
	if v == nil {
		return def
	}
	return v
}

// MisbehavingRecord is the persisted "misbehaving service" flag: a name
// written just before a restart-cap-triggered reboot and consumed exactly
// once on the next startup (spec §3.B, §4.B.1, §8 property 9).
type MisbehavingRecord struct {
	ServiceName string    `json:"serviceName"`
	SavedAt     time.Time `json:"savedAt"`
}

func (r *MisbehavingRecord) SetSavedAt(t time.Time) { r.SavedAt = t }

// MisbehavingGuard tracks the service name (if any) read from the
// misbehaving file at this boot, and downgrades its cap action to
// stop-restarting for misbehavingGraceWindow after being consumed.
type MisbehavingGuard struct {
	store *persistence.Store[*MisbehavingRecord]

	name      string
	expiresAt time.Time
}

// NewMisbehavingGuard loads and clears any persisted record exactly once,
// per spec §4.B.1/§8 property 9 ("read exactly once on boot N+1 ... file
// is then removed").
func NewMisbehavingGuard(fs afero.Fs, path string) (*MisbehavingGuard, error) {
	store := persistence.NewStoreFS[*MisbehavingRecord](fs, path)
	g := &MisbehavingGuard{store: store}

	record, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("supervisor: load misbehaving record: %w", err)
	}
	if !ok {
		return g, nil
	}

	if err := store.Clear(); err != nil {
		return nil, fmt.Errorf("supervisor: clear misbehaving record: %w", err)
	}

	g.name = record.ServiceName
	g.expiresAt = record.SavedAt.Add(misbehavingGraceWindow)
	return g, nil
}

// Downgraded reports whether name's cap action should be forced to
// stop-restarting because it was the service that triggered the previous
// boot's reboot, and the grace window since then has not yet elapsed.
func (g *MisbehavingGuard) Downgraded(name string) bool {
	if g == nil || g.name == "" || g.name != name {
		return false
	}
	return time.Now().Before(g.expiresAt)
}

// Persist writes name as the misbehaving service, synchronously, before
// the caller invokes a reboot (spec §3.B invariant iii).
func Persist(fs afero.Fs, path, name string) error {
	store := persistence.NewStoreFS[*MisbehavingRecord](fs, path)
	return store.Save(&MisbehavingRecord{ServiceName: name})
}
