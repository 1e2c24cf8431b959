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

package hardware

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/lk2023060901/swap-garden-go/pkg/log"
)

// MemoryLimitEnv 允许通过环境变量覆盖内存上限，
// 取值为 k8s 资源量格式，如 "4Gi"。
const MemoryLimitEnv = "ZEUS_MEMORY_LIMIT"

var (
	icOnce sync.Once
	ic     bool
	icErr  error
)

// GetCPUNum 返回当前进程可用的逻辑 CPU 数。
// 受 GOMAXPROCS（含 automaxprocs 调整后）约束。
func GetCPUNum() int {
	cur := runtime.GOMAXPROCS(0)
	if cur <= 0 {
		cur = runtime.NumCPU()
	}
	return cur
}

// GetCPUUsage 返回系统 CPU 使用率，百分比。
func GetCPUUsage() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		log.Warn("failed to get cpu usage", zap.Error(err))
		return 0
	}
	if len(percents) != 1 {
		log.Warn("something wrong in cpu.Percent", zap.Int("len", len(percents)))
		return 0
	}
	return percents[0]
}

// GetMemoryCount 返回当前进程可使用的内存总量，单位字节。
// 优先级：环境变量覆盖 > 容器配额 > 宿主机物理内存。
func GetMemoryCount() uint64 {
	if v := os.Getenv(MemoryLimitEnv); v != "" {
		quantity, err := resource.ParseQuantity(v)
		if err != nil {
			log.Warn("invalid memory limit env, ignored",
				zap.String("value", v),
				zap.Error(err))
		} else {
			return uint64(quantity.Value())
		}
	}

	stats, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get memory count", zap.Error(err))
		return 0
	}
	totalMem := stats.Total

	if !inContainer() {
		return totalMem
	}

	limit, err := getContainerMemLimit()
	if err != nil {
		log.Warn("failed to get container memory limit", zap.Error(err))
		return totalMem
	}
	// cgroup 未设限时 limit 可能为 0 或超过物理内存
	if limit == 0 || limit > totalMem {
		return totalMem
	}
	return limit
}

// GetUsedMemoryCount 返回当前已使用的内存量，单位字节。
func GetUsedMemoryCount() uint64 {
	if inContainer() {
		used, err := getContainerMemUsed()
		if err == nil {
			return used
		}
		log.Warn("failed to get container memory usage", zap.Error(err))
	}

	stats, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get memory usage count", zap.Error(err))
		return 0
	}
	return stats.Used
}

// GetFreeMemoryCount 返回当前空闲内存量，单位字节。
func GetFreeMemoryCount() uint64 {
	total := GetMemoryCount()
	used := GetUsedMemoryCount()
	if used >= total {
		return 0
	}
	return total - used
}

func inContainer() bool {
	icOnce.Do(func() {
		ic, icErr = detectContainer()
		if icErr != nil {
			log.Warn("failed to detect container environment", zap.Error(icErr))
		}
	})
	return ic
}
