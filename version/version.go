/*
   Copyright Mycophonic.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package version holds build information, set at link time:
//
//	go build -ldflags "-X github.com/mycophonic/flac-streamer/version.Version=v1.2.3"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

//nolint:gochecknoglobals // Overridden through -ldflags.
var (
	Version = ""
	Commit  = ""
)

// String returns a one-line description of the build.
func String() string {
	ver, rev := Version, Commit

	if info, ok := debug.ReadBuildInfo(); ok {
		if ver == "" && info.Main.Version != "" {
			ver = info.Main.Version
		}

		for _, setting := range info.Settings {
			if rev == "" && setting.Key == "vcs.revision" {
				rev = setting.Value
			}
		}
	}

	if ver == "" {
		ver = "(devel)"
	}

	if len(rev) > 12 {
		rev = rev[:12]
	}

	if rev == "" {
		return fmt.Sprintf("%s %s", ver, runtime.Version())
	}

	return fmt.Sprintf("%s (%s) %s", ver, rev, runtime.Version())
}
