// Copyright The Sandboxd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"time"

	"sandboxd/pkg/common/containerutil"
	"sandboxd/pkg/common/logutil"
)

var auditLogger = logutil.GetLogger("sandboxd-audit")

// auditRecord captures one exec call for the audit trail: which sandbox,
// what command, what it returned, and where the server ran.
type auditRecord struct {
	SandboxID string `json:"sandbox_id"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	ServerIP  string `json:"server_ip"`
	HostName  string `json:"hostname"`
	Timestamp string `json:"timestamp"`
}

// writeAuditRecord logs one exec call as a JSON line through the dedicated
// audit logger.
func writeAuditRecord(sandboxID, command string, exitCode int) {
	hostName, _ := containerutil.GetHostName()

	record := auditRecord{
		SandboxID: sandboxID,
		Command:   command,
		ExitCode:  exitCode,
		ServerIP:  containerutil.GetMainIP(),
		HostName:  hostName,
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
	}

	b, err := json.Marshal(record)
	if err != nil {
		return
	}

	auditLogger.Info(string(b))
}
