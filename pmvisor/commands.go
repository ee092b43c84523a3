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

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/pmvisor/pmvisor/pmvisor/util"
	"github.com/pmvisor/pmvisor/rest"
)

var addr string = "http://127.0.0.1:8321"
var auth string = ""

func newClient() (*rest.Client, error) {
	client := rest.NewClient(nil, addr)
	if auth != "" {
		user, pass, ok := strings.Cut(auth, ":")
		if !ok {
			return nil, errors.New("bad user:pass supplied")
		}
		client.SetAuth(user, pass)
	}
	return client, nil
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pmvisor",
		Short:         "Pmvisor CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&addr, "address", "a", addr, "pmvisord address")
	root.PersistentFlags().StringVarP(&auth, "user", "u", auth, "user:pass authentication")

	root.AddCommand(newListCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newInfoCmd())
	root.AddCommand(newActionCmd("start", "Start a service",
		(*rest.Client).StartService))
	root.AddCommand(newActionCmd("stop", "Stop a service",
		(*rest.Client).StopService))
	root.AddCommand(newActionCmd("restart", "Restart a service",
		(*rest.Client).RestartService))
	root.AddCommand(newActionCmd("reset", "Clear the restart counter of a service",
		(*rest.Client).ResetService))
	root.AddCommand(newLogCmd())
	root.AddCommand(newTopCmd())
	root.AddCommand(newHashCmd())

	return root
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			names, err := client.Services()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func showStatus(s *rest.ServiceInfo) {
	d := time.Since(s.TimeStamp)
	// for printing second resolution is sufficient
	d -= d % time.Second
	fmt.Printf("%-20s %-10s %6d %8s %10s %s\n", s.Name, util.Status(s),
		s.Restarts, util.FormatBytes(s.RSS), d.String(), s.Status)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [<service> ...]",
		Short: "Show status of services",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				if names, err = client.Services(); err != nil {
					return err
				}
			}
			infos := []*rest.ServiceInfo{}
			for _, n := range names {
				info, err := client.GetService(n)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", n, err)
					continue
				}
				infos = append(infos, info)
			}
			util.SortServices(infos)
			for _, info := range infos {
				showStatus(info)
			}
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <service>",
		Short: "Show details of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			s, err := client.GetService(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:      %s\n", s.Name)
			fmt.Printf("Command:   %s %s\n", s.Command, strings.Join(s.Args, " "))
			fmt.Printf("Directory: %s\n", s.Dir)
			fmt.Printf("Status:    %s\n", util.Status(s))
			fmt.Printf("Since:     %v\n", time.Since(s.TimeStamp).Truncate(time.Second))
			fmt.Printf("Detail:    %s\n", s.Status)
			if s.Pid != 0 {
				fmt.Printf("Pid:       %d\n", s.Pid)
				fmt.Printf("Uptime:    %s\n", util.FormatDuration(s.Uptime))
			}
			fmt.Printf("Restarts:  %d of %d\n", s.Restarts, s.MaxRestarts)
			fmt.Printf("Launches:  %d\n", s.Launches)
			fmt.Printf("Last exit: %d (%s)\n", s.LastExit, s.LastCause)
			if s.MaxMemory > 0 {
				fmt.Printf("Memory:    %s of %s\n", util.FormatBytes(s.RSS),
					util.FormatBytes(s.MaxMemory))
			} else {
				fmt.Printf("Memory:    %s\n", util.FormatBytes(s.RSS))
			}
			for _, f := range []struct{ label, path string }{
				{"Out log:", s.OutFile},
				{"Err log:", s.ErrFile},
				{"Log:", s.LogFile},
			} {
				if f.path != "" {
					fmt.Printf("%-10s %s\n", f.label, f.path)
				}
			}
			if s.Fatal != "" {
				fmt.Printf("Fatal:     %s\n", s.Fatal)
			}
			return nil
		},
	}
}

func newActionCmd(use, short string, fn func(*rest.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service> ...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			for _, name := range args {
				if err := fn(client, name); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
			}
			return nil
		},
	}
}

func newLogCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "log [<service>]",
		Short: "Show the supervisor log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			li, err := client.GetLog(name)
			if err != nil {
				return err
			}
			var last int64
			for {
				for _, r := range li.Records {
					if r.Id > last {
						fmt.Printf("%s %s\n", r.Time.Format(time.DateTime), r.Text)
						last = r.Id
					}
				}
				if !follow {
					return nil
				}
				if li, err = client.WatchLog(cmd.Context(), name, li); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for new messages")
	return cmd
}

func newHashCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Read a password, and print its hash for pmvisord -u",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword(
				[]byte(strings.TrimRight(line, "\r\n")), cost)
			if err != nil {
				return err
			}
			fmt.Println(string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
