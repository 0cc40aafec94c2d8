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

// sgxconf generates the thread and queue configuration file of a system call
// proxying enclave runtime and writes it to stdout.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		newLogger(os.Stderr, false).Error(err, "cannot generate configuration")
		os.Exit(1)
	}
}
