// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package leakutil

import (
	"testing"

	"go.uber.org/goleak"
)

// defaultOpts is the default ignore list for goleak.
var defaultOpts = []goleak.Option{
	// etcd client keeps a resolver goroutine per endpoint until Close returns.
	goleak.IgnoreTopFunction("go.etcd.io/etcd/client/v3/internal/resolver.(*EtcdManualResolver).Build.func1"),
	// grpc resolver and balancer goroutines exit asynchronously after Close.
	goleak.IgnoreTopFunction("google.golang.org/grpc/internal/grpcsync.(*CallbackSerializer).run"),
	// pebble background goroutines may outlive Close for a short while.
	goleak.IgnoreTopFunction("github.com/cockroachdb/pebble.(*DB).maybeScheduleCompaction"),
	// glebarez sqlite keeps a connection opener per shared-cache database.
	goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
}

// VerifyNone verifies that no unexpected leaks occur
// Note that this function is incompatible with `t.Parallel()`
func VerifyNone(t *testing.T, options ...goleak.Option) {
	options = append(options, defaultOpts...)
	goleak.VerifyNone(t, options...)
}

// SetUpLeakTest ignore unexpected common etcd and grpc goroutines
func SetUpLeakTest(m *testing.M, options ...goleak.Option) {
	options = append(options, defaultOpts...)
	goleak.VerifyTestMain(m, options...)
}
