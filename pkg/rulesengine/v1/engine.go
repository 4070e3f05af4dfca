// Package v1 implements the rules engine on top of a cgrules.conf-style
// rule table and the cgroup v1 hierarchy layout.
package v1

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"

	"github.com/kubescape/cgrules-agent/pkg/rulesengine"
)

// Engine failure codes, reported opaquely through EngineError.
const (
	codeRulesNotLoaded     = 50001
	codeRulesUnreadable    = 50002
	codeBadRuleSyntax      = 50003
	codeCgroupNotMounted   = 50004
	codeDestinationMissing = 50005
	codeWriteFailed        = 50006
)

const defaultCacheSize = 1024

var _ rulesengine.RulesEngine = (*Engine)(nil)

type cacheKey struct {
	uid  uint32
	gid  uint32
	comm string
}

// Engine matches (uid, gid, process name) tuples against the rule table and
// moves processes by writing their pid into the destination's cgroup.procs.
// Reassign may run concurrently with ReloadRuleCache.
type Engine struct {
	mu         sync.RWMutex
	fs         afero.Fs
	rulesPath  string
	cgroupRoot string
	procRoot   string
	rules      []Rule
	cache      *expirable.LRU[cacheKey, []Placement]

	lookupUser  func(uid uint32) (string, error)
	lookupGroup func(gid uint32) (string, error)
}

// NewEngine builds an engine over the host filesystem.
func NewEngine(rulesPath, cgroupRoot, procRoot string, cacheSize int, cacheTTL time.Duration) *Engine {
	return newEngine(afero.NewOsFs(), rulesPath, cgroupRoot, procRoot, cacheSize, cacheTTL)
}

func newEngine(fs afero.Fs, rulesPath, cgroupRoot, procRoot string, cacheSize int, cacheTTL time.Duration) *Engine {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Engine{
		fs:         fs,
		rulesPath:  rulesPath,
		cgroupRoot: cgroupRoot,
		procRoot:   procRoot,
		cache:      expirable.NewLRU[cacheKey, []Placement](cacheSize, nil, cacheTTL),
		lookupUser: func(uid uint32) (string, error) {
			u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
		lookupGroup: func(gid uint32) (string, error) {
			g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
			if err != nil {
				return "", err
			}
			return g.Name, nil
		},
	}
}

// Init verifies the cgroup hierarchy is reachable.
func (e *Engine) Init() error {
	if ok, err := afero.DirExists(e.fs, e.cgroupRoot); err != nil || !ok {
		return &rulesengine.EngineError{Code: codeCgroupNotMounted, Op: "init",
			Err: fmt.Errorf("cgroup root %s not available", e.cgroupRoot)}
	}
	return nil
}

// InitRuleCache loads the rule table for the first time.
func (e *Engine) InitRuleCache() error {
	return e.loadRules()
}

// ReloadRuleCache discards the cached rule table and rule results and
// re-reads the configuration file.
func (e *Engine) ReloadRuleCache() error {
	if err := e.loadRules(); err != nil {
		return err
	}
	e.cache.Purge()
	return nil
}

func (e *Engine) loadRules() error {
	f, err := e.fs.Open(e.rulesPath)
	if err != nil {
		return &rulesengine.EngineError{Code: codeRulesUnreadable, Op: "load rules", Err: err}
	}
	defer f.Close()

	rules, err := parseRules(f)
	if err != nil {
		return &rulesengine.EngineError{Code: codeBadRuleSyntax, Op: "load rules", Err: err}
	}
	if rules == nil {
		rules = []Rule{}
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	logger.L().Info("rule configuration loaded",
		helpers.String("path", e.rulesPath),
		helpers.Int("rules", len(rules)))
	return nil
}

// PrintRuleConfig writes the active rule table to w, one rule per line.
func (e *Engine) PrintRuleConfig(w io.Writer) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fmt.Fprintf(w, "rule configuration (%d rules):\n", len(e.rules))
	for _, r := range e.rules {
		fmt.Fprintf(w, "  %s\n", r.String())
	}
}

// Reassign resolves the placements for (uid, gid, comm of pid) and writes
// pid into each destination's cgroup.procs. A tuple matching no rule is a
// successful no-op. With FlagUseCache the placement decision is served from
// the rule-result cache when present.
func (e *Engine) Reassign(uid, gid uint32, pid int, flags uint64) error {
	e.mu.RLock()
	loaded := e.rules != nil
	e.mu.RUnlock()
	if !loaded {
		return &rulesengine.EngineError{Code: codeRulesNotLoaded, Op: "reassign"}
	}

	comm := e.readComm(pid)
	key := cacheKey{uid: uid, gid: gid, comm: comm}

	var placements []Placement
	cached := false
	if flags&rulesengine.FlagUseCache != 0 {
		placements, cached = e.cache.Get(key)
	}
	if !cached {
		placements = e.match(uid, gid, comm)
		if flags&rulesengine.FlagUseCache != 0 {
			e.cache.Add(key, placements)
		}
	}

	for _, p := range placements {
		for _, controller := range p.Controllers {
			if err := e.attach(controller, p.Destination, pid); err != nil {
				return err
			}
		}
	}
	return nil
}

// match returns the placements of the first rule the tuple satisfies.
func (e *Engine) match(uid, gid uint32, comm string) []Placement {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !e.matchOwner(rule.User, uid, gid) {
			continue
		}
		if rule.Process != "" && rule.Process != comm {
			continue
		}
		return rule.Placements
	}
	return nil
}

func (e *Engine) matchOwner(selector string, uid, gid uint32) bool {
	if selector == "*" {
		return true
	}
	if group, isGroup := strings.CutPrefix(selector, "@"); isGroup {
		if group == strconv.FormatUint(uint64(gid), 10) {
			return true
		}
		name, err := e.lookupGroup(gid)
		return err == nil && name == group
	}
	if selector == strconv.FormatUint(uint64(uid), 10) {
		return true
	}
	name, err := e.lookupUser(uid)
	return err == nil && name == selector
}

// attach writes pid into <cgroupRoot>/<controller>/<destination>/cgroup.procs.
func (e *Engine) attach(controller, destination string, pid int) error {
	dir := filepath.Join(e.cgroupRoot, controller, destination)
	if ok, err := afero.DirExists(e.fs, dir); err != nil || !ok {
		return &rulesengine.EngineError{Code: codeDestinationMissing, Op: "reassign",
			Err: fmt.Errorf("destination cgroup %s not present", dir)}
	}

	procsPath := filepath.Join(dir, "cgroup.procs")
	f, err := e.fs.OpenFile(procsPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return &rulesengine.EngineError{Code: codeWriteFailed, Op: "reassign", Err: err}
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		return &rulesengine.EngineError{Code: codeWriteFailed, Op: "reassign", Err: err}
	}
	return nil
}

// readComm fetches the process name; a vanished process still matches rules
// without a process constraint, so failures degrade to an empty name.
func (e *Engine) readComm(pid int) string {
	data, err := afero.ReadFile(e.fs, filepath.Join(e.procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
