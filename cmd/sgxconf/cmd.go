// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/thediveo/sgxconf/topology"
)

const (
	cpusFlag        = "cpus"
	outsideFlag     = "outside"
	insideFlag      = "inside"
	queuesFlag      = "queues"
	htFlag          = "ht"
	pinFlag         = "pin"
	heapFlag        = "heap"
	spinFlag        = "spin"
	sleepFlag       = "sleep"
	strictUnitsFlag = "strict-units"
	cpuDirFlag      = "cpu-dir"
	verboseFlag     = "verbose"
)

// envPrefix prefixes the environment variables that can be used instead of
// flags, such as SGXCONF_QUEUES.
const envPrefix = "SGXCONF"

// newRootCmd returns the root command, with its own viper instance binding
// the flags and environment variables.
func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "sgxconf [flags] [CORE...]",
		Short: "generate the thread and queue configuration of an enclave runtime",
		Long: `sgxconf generates the runtime configuration for a system call proxying
enclave runtime, assigning outside and inside threads to physical cores and
system call queues.

CORE arguments are CPU numbers or CPU lists, such as 2 or 4-7,12. They
override the topology discovery and --ht, and always pin threads to their
cores.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return run(cmd, v, args)
		},
	}
	addFlags(cmd.Flags())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

// addFlags defines the command line flags; numeric flags default to unset.
func addFlags(flags *pflag.FlagSet) {
	flags.IntP(cpusFlag, "n", unset, "core budget (default: number of CPUs available to this process)")
	flags.Int(outsideFlag, unset, "number of outside threads (default: larger half of cores)")
	flags.Int(insideFlag, unset, "number of inside threads (default: remaining cores)")
	flags.IntP(queuesFlag, "q", unset, "number of system call queues (default: one per thread of the larger role)")
	flags.Bool(htFlag, false, "use hyperthreads, that is, logical CPUs 0 to n-1 instead of physical cores")
	flags.BoolP(pinFlag, "p", false, "pin threads to cores")
	flags.String(heapFlag, "", "heap size, such as 512Mi or 2GiB")
	flags.String(spinFlag, "", "number of spins before a waiting thread sleeps, such as 10k")
	flags.String(sleepFlag, "", "sleep backoff rate")
	flags.Bool(strictUnitsFlag, false, "reject unknown magnitude suffixes in heap, spin, and sleep")
	flags.String(cpuDirFlag, topology.DefaultDir, "CPU device directory")
	_ = flags.MarkHidden(cpuDirFlag)
	flags.BoolP(verboseFlag, "v", false, "show debug diagnostics")
}

// optionsFrom returns the Options from the flags and environment bound to v,
// as well as the explicit cores in args. Values that don't convert, such as
// from malformed environment variables, are reported together with their
// environment variable name.
func optionsFrom(v *viper.Viper, args []string) (Options, error) {
	o := Options{Cores: args}
	for _, i := range []struct {
		key  string
		dest *int
	}{
		{cpusFlag, &o.CPUs},
		{outsideFlag, &o.Outside},
		{insideFlag, &o.Inside},
		{queuesFlag, &o.Queues},
	} {
		value, err := cast.ToIntE(v.Get(i.key))
		if err != nil {
			return Options{}, fmt.Errorf("invalid --%s/%s: %w", i.key, envName(i.key), err)
		}
		*i.dest = value
	}
	for _, b := range []struct {
		key  string
		dest *bool
	}{
		{htFlag, &o.Hyperthreads},
		{pinFlag, &o.Pin},
		{strictUnitsFlag, &o.StrictUnits},
	} {
		value, err := cast.ToBoolE(v.Get(b.key))
		if err != nil {
			return Options{}, fmt.Errorf("invalid --%s/%s: %w", b.key, envName(b.key), err)
		}
		*b.dest = value
	}
	o.Heap = v.GetString(heapFlag)
	o.Spin = v.GetString(spinFlag)
	o.Sleep = v.GetString(sleepFlag)
	return o, nil
}

// envName returns the name of the environment variable for the flag key.
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func run(cmd *cobra.Command, v *viper.Viper, args []string) error {
	log := newLogger(cmd.ErrOrStderr(), v.GetBool(verboseFlag))
	opts, err := optionsFrom(v, args)
	if err != nil {
		return err
	}
	plan, err := opts.Resolve(newSystem(v.GetString(cpuDirFlag)), log)
	if err != nil {
		return err
	}
	conf, err := plan.Build(log)
	if err != nil {
		return err
	}
	_, err = conf.WriteTo(cmd.OutOrStdout())
	return err
}
