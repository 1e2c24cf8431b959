// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package hardware

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/cgroups/v3/cgroup2"
)

// detectContainer 通过 /proc/1/cgroup 判断是否运行在容器内。
func detectContainer() (bool, error) {
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false, err
	}
	content := string(data)
	return strings.Contains(content, "docker") ||
		strings.Contains(content, "kubepods") ||
		strings.Contains(content, "containerd"), nil
}

// getContainerMemLimit 返回容器的内存配额，单位字节。
func getContainerMemLimit() (uint64, error) {
	if cgroups.Mode() == cgroups.Unified {
		m, err := cgroup2.Load("/", cgroup2.WithMountpoint("/sys/fs/cgroup"))
		if err != nil {
			return 0, errors.Wrap(err, "failed to load cgroup v2")
		}
		stats, err := m.Stat()
		if err != nil {
			return 0, errors.Wrap(err, "failed to stat cgroup v2")
		}
		if stats.GetMemory() == nil {
			return 0, errors.New("cgroup v2 memory stats missing")
		}
		return stats.GetMemory().GetUsageLimit(), nil
	}

	control, err := cgroup1.Load(cgroup1.StaticPath("/"))
	if err != nil {
		return 0, errors.Wrap(err, "failed to load cgroup v1")
	}
	stats, err := control.Stat(cgroup1.IgnoreNotExist)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat cgroup v1")
	}
	if stats.GetMemory() == nil || stats.GetMemory().GetUsage() == nil {
		return 0, errors.New("cgroup v1 memory stats missing")
	}
	return stats.GetMemory().GetUsage().GetLimit(), nil
}

// getContainerMemUsed 返回容器内已使用的内存量，单位字节。
func getContainerMemUsed() (uint64, error) {
	if cgroups.Mode() == cgroups.Unified {
		m, err := cgroup2.Load("/", cgroup2.WithMountpoint("/sys/fs/cgroup"))
		if err != nil {
			return 0, errors.Wrap(err, "failed to load cgroup v2")
		}
		stats, err := m.Stat()
		if err != nil {
			return 0, errors.Wrap(err, "failed to stat cgroup v2")
		}
		if stats.GetMemory() == nil {
			return 0, errors.New("cgroup v2 memory stats missing")
		}
		return stats.GetMemory().GetUsage(), nil
	}

	control, err := cgroup1.Load(cgroup1.StaticPath("/"))
	if err != nil {
		return 0, errors.Wrap(err, "failed to load cgroup v1")
	}
	stats, err := control.Stat(cgroup1.IgnoreNotExist)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat cgroup v1")
	}
	if stats.GetMemory() == nil || stats.GetMemory().GetUsage() == nil {
		return 0, errors.New("cgroup v1 memory stats missing")
	}
	return stats.GetMemory().GetUsage().GetUsage(), nil
}
