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

package cdc

import (
	"net/http"
	"os"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/cdcstream/cdc/service"
	"github.com/pingcap/cdcstream/pkg/version"
)

// status of the cdc server
type status struct {
	Version          string `json:"version"`
	GitHash          string `json:"git_hash"`
	ID               string `json:"id"`
	Pid              int    `json:"pid"`
	EverServedLeader bool   `json:"ever_served_leader"`
	Checkpoints      int    `json:"checkpoints"`
}

func handleStatus(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, status{
			Version:          version.ReleaseVersion,
			GitHash:          version.GitHash,
			ID:               svc.LocalUUID(),
			Pid:              os.Getpid(),
			EverServedLeader: svc.EverServedLeader(),
			Checkpoints:      svc.Store().Len(),
		})
	}
}

// checkpoint is one cached checkpoint as shown by the debug API.
type checkpoint struct {
	Stream      string `json:"stream"`
	Partition   string `json:"partition"`
	Sent        string `json:"sent"`
	SentTime    string `json:"sent_time,omitempty"`
	Durable     string `json:"durable"`
	DurableTime string `json:"durable_time,omitempty"`
}

func handleCheckpoints(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stream := c.Query("stream")
		entries := svc.Store().Snapshot()
		result := make([]checkpoint, 0, len(entries))
		for _, e := range entries {
			if stream != "" && e.Key.StreamID != stream {
				continue
			}
			cp := checkpoint{
				Stream:    e.Key.StreamID,
				Partition: e.Key.PartitionID,
				Sent:      e.Sent.String(),
				Durable:   e.Durable.String(),
			}
			if !e.SentTime.IsZero() {
				cp.SentTime = e.SentTime.String()
			}
			if !e.DurableTime.IsZero() {
				cp.DurableTime = e.DurableTime.String()
			}
			result = append(result, cp)
		}
		sort.Slice(result, func(i, j int) bool {
			if result[i].Stream != result[j].Stream {
				return result[i].Stream < result[j].Stream
			}
			return result[i].Partition < result[j].Partition
		})
		c.IndentedJSON(http.StatusOK, result)
	}
}
