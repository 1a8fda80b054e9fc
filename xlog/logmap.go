// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xlog

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// logger is the process-wide sink every PackageLogger writes through: a
// single Formatter behind a mutex, swappable at runtime via SetFormatter.
var logger = &sink{formatter: NewPrettyFormatter(os.Stderr, false)}

type sink struct {
	sync.Mutex
	formatter Formatter
}

// SetFormatter replaces the global formatter used by every registered
// PackageLogger.
func SetFormatter(f Formatter) {
	logger.Lock()
	defer logger.Unlock()
	logger.formatter = f
}

// GetFormatter returns the currently installed global formatter.
func GetFormatter() Formatter {
	logger.Lock()
	defer logger.Unlock()
	return logger.formatter
}

var (
	repoMu          sync.Mutex
	repos           = map[string]RepoLogger{}
	defaultLogLevel = INFO
)

// RepoLogger is the set of PackageLoggers registered under one repo
// (module) path.
type RepoLogger map[string]*PackageLogger

// NewPackageLogger returns the PackageLogger registered for pkg within
// repo, creating and registering one at the current default level if
// this is the first call for that pair.
func NewPackageLogger(repo, pkg string) *PackageLogger {
	repoMu.Lock()
	defer repoMu.Unlock()

	r, ok := repos[repo]
	if !ok {
		r = RepoLogger{}
		repos[repo] = r
	}
	if p, ok := r[pkg]; ok {
		return p
	}
	p := &PackageLogger{pkg: pkg, level: defaultLogLevel}
	r[pkg] = p
	return p
}

// GetRepoLogger returns the RepoLogger for repo, or an error if no
// package has ever been registered under that repo.
func GetRepoLogger(repo string) (RepoLogger, error) {
	repoMu.Lock()
	defer repoMu.Unlock()
	r, ok := repos[repo]
	if !ok {
		return nil, fmt.Errorf("no packages registered for repo: %s", repo)
	}
	return r, nil
}

// MustRepoLogger is GetRepoLogger, panicking instead of returning an
// error.
func MustRepoLogger(repo string) RepoLogger {
	r, err := GetRepoLogger(repo)
	if err != nil {
		panic(err)
	}
	return r
}

// SetRepoLogLevel sets every package currently registered under repo to
// level. Unknown repos are a no-op.
func SetRepoLogLevel(repo string, level LogLevel) {
	repoMu.Lock()
	defer repoMu.Unlock()
	if r, ok := repos[repo]; ok {
		for _, p := range r {
			p.level = level
		}
	}
}

// SetPackageLogLevel sets one package's level within repo. pkg == "*"
// applies level to every package currently registered under repo.
func SetPackageLogLevel(repo, pkg string, level LogLevel) {
	repoMu.Lock()
	defer repoMu.Unlock()
	r, ok := repos[repo]
	if !ok {
		return
	}
	if pkg == "*" {
		for _, p := range r {
			p.level = level
		}
		return
	}
	if p, ok := r[pkg]; ok {
		p.level = level
	}
}

// SetGlobalLogLevel sets the level of every package in every repo
// registered so far, and becomes the default for packages registered
// afterward.
func SetGlobalLogLevel(level LogLevel) {
	repoMu.Lock()
	defer repoMu.Unlock()
	defaultLogLevel = level
	for _, r := range repos {
		for _, p := range r {
			p.level = level
		}
	}
}

// SetRepoLogLevel sets every package in r to level.
func (r RepoLogger) SetRepoLogLevel(level LogLevel) {
	repoMu.Lock()
	defer repoMu.Unlock()
	for _, p := range r {
		p.level = level
	}
}

// SetLogLevel applies pkgLevels to r. The special key "*" sets every
// package not otherwise named in pkgLevels; named entries always win.
func (r RepoLogger) SetLogLevel(pkgLevels map[string]LogLevel) {
	repoMu.Lock()
	defer repoMu.Unlock()
	wildcard, hasWildcard := pkgLevels["*"]
	for name, p := range r {
		if level, ok := pkgLevels[name]; ok {
			p.level = level
		} else if hasWildcard {
			p.level = wildcard
		}
	}
}

// ParseLogLevelConfig parses a "pkg=LEVEL,pkg2=LEVEL2" string (as might
// arrive from a CLI flag or env var) into a pkg -> LogLevel map.
func (r RepoLogger) ParseLogLevelConfig(config string) (map[string]LogLevel, error) {
	out := map[string]LogLevel{}
	for _, entry := range strings.Split(config, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("unable to parse log level config entry: %q", entry)
		}
		level, err := ParseLevel(parts[1])
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(parts[0])] = level
	}
	return out, nil
}
