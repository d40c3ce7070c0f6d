package auth

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sugar-network/sugar/internal/db"
)

// Role names accepted in the [permissions] section.
var roleCaps = map[string]db.Capability{
	"admin": db.CapAuthorOverride | db.CapCreateWithGUID | db.CapAdmin,
}

// Permissions maps logins to capability roles from an INI-style config:
//
//	[permissions]
//	f470faa7919fd4d0e508cfac5d194bbbb01de4c3 = admin
//	default =
//
// The file is reloaded when fsnotify reports a change or its mtime
// moves; a missing file grants no capabilities to anyone.
type Permissions struct {
	path    string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	roles map[string][]string
	mtime time.Time
}

// OpenPermissions loads path and starts watching its directory.
func OpenPermissions(path string) (*Permissions, error) {
	p := &Permissions{path: path}
	if err := p.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory: editors replace the file via rename
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

// Close stops the reload watcher.
func (p *Permissions) Close() error {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}

// CapsFor resolves the capability set for a login, falling back to the
// "default" entry.
func (p *Permissions) CapsFor(login string) db.Capability {
	p.checkMtime()
	p.mu.RLock()
	defer p.mu.RUnlock()
	roles, ok := p.roles[login]
	if !ok {
		roles = p.roles["default"]
	}
	var caps db.Capability
	for _, role := range roles {
		caps |= roleCaps[role]
	}
	return caps
}

func (p *Permissions) watch() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if err := p.reload(); err != nil {
				log.Printf("auth: reload %s: %v", p.path, err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("auth: watch %s: %v", p.path, err)
		}
	}
}

func (p *Permissions) checkMtime() {
	info, err := os.Stat(p.path)
	p.mu.RLock()
	stale := err == nil && info.ModTime() != p.mtime
	p.mu.RUnlock()
	if stale {
		if err := p.reload(); err != nil {
			log.Printf("auth: reload %s: %v", p.path, err)
		}
	}
}

func (p *Permissions) reload() error {
	roles := make(map[string][]string)
	var mtime time.Time

	f, err := os.Open(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	} else {
		defer f.Close()
		if info, err := f.Stat(); err == nil {
			mtime = info.ModTime()
		}
		section := ""
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
				continue
			}
			if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
				section = strings.ToLower(strings.Trim(line, "[]"))
				continue
			}
			if section != "permissions" {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			var names []string
			for _, role := range strings.Fields(value) {
				names = append(names, strings.ToLower(role))
			}
			roles[strings.TrimSpace(key)] = names
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.roles = roles
	p.mtime = mtime
	p.mu.Unlock()
	return nil
}
