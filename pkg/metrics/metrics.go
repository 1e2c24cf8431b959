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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// zeusNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	zeusNamespace = "zeus"

	// 以下为当前使用的通用标签名。
	repositoryLabelName = "repository"
	tableLabelName      = "table"
	statusLabelName     = "status"
	directionLabelName  = "direction"

	StatusSuccess = "success"
	StatusFail    = "fail"

	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	// sizeBuckets 为负载大小的桶划分，单位为字节。
	sizeBuckets = []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

	// ResidentEntityNum 为仓库中常驻内存的实体数。
	ResidentEntityNum = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Name:      "resident_entity_num",
			Help:      "number of entities currently resident in RAM",
		}, []string{repositoryLabelName})

	// SwapTotal 为换入换出操作计数。
	SwapTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Name:      "swap_total",
			Help:      "total number of swap operations, partitioned by direction and status",
		}, []string{repositoryLabelName, directionLabelName, statusLabelName})

	// SwapLatency 为换入换出操作耗时，单位毫秒。
	SwapLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: zeusNamespace,
			Name:      "swap_latency",
			Help:      "latency of swap operations in milliseconds",
			Buckets:   buckets,
		}, []string{repositoryLabelName, directionLabelName})

	// StoreRequestTotal 为持久化存储请求计数。
	StoreRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Name:      "store_request_total",
			Help:      "total number of durable store requests",
		}, []string{tableLabelName, statusLabelName})

	// ConnectionNum 为当前活跃连接数。
	ConnectionNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Name:      "connection_num",
			Help:      "number of active connections",
		})

	// SessionNum 为当前已绑定会话的连接数。
	SessionNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Name:      "session_num",
			Help:      "number of connections bound to a session",
		})

	// PayloadBytes 为收发负载大小分布，单位字节。
	PayloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: zeusNamespace,
			Name:      "payload_bytes",
			Help:      "size distribution of payloads in bytes",
			Buckets:   sizeBuckets,
		}, []string{directionLabelName})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常应在 init 函数中调用。
func Register(r prometheus.Registerer) {
	r.MustRegister(ResidentEntityNum)
	r.MustRegister(SwapTotal)
	r.MustRegister(SwapLatency)
	r.MustRegister(StoreRequestTotal)
	r.MustRegister(ConnectionNum)
	r.MustRegister(SessionNum)
	r.MustRegister(PayloadBytes)
	metricRegisterer = r
}
