// Copyright 2026 The Pmvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command pmvisor controls a running pmvisord.
//
// The flags are
//
//	-a <address>	- the daemon, default is http://127.0.0.1:8321
//	-u <user:pass>	- user name & password for basic auth
//
// Subcommands are
//
//	list                 - list all services
//	status [<svc> ...]   - show status for the named services (or all)
//	info <svc>           - show more detailed service info
//	start <svc>          - start the named service
//	stop <svc>           - stop the named service
//	restart <svc>        - restart the named service
//	reset <svc>          - clear the restart counter of the named service
//	log [<svc>]          - show the supervisor log for the service (or all)
//	top                  - full screen status display
//	hash                 - print a password hash for pmvisord -u
package main

import (
	"fmt"
	"os"
)

func main() {
	root := NewRootCmd()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
