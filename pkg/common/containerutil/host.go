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

package containerutil

import (
	"net"
	"os"
	"strings"
)

// GetIPAddrs gets the non-loopback IPv4 addresses of the host the server
// process runs on, used to stamp server identity into request logs.
func GetIPAddrs() ([]string, error) {
	ret := make([]string, 0)

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ret, err
	}

	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ret = append(ret, ipNet.IP.String())
			}
		}
	}

	return ret, nil
}

// FindNonPrivateIP picks an address outside the 192.168 subnet from ipAddrs,
// falling back to the first entry.
func FindNonPrivateIP(ipAddrs []string) string {
	if len(ipAddrs) == 0 {
		return ""
	}

	for _, ip := range ipAddrs {
		if !strings.Contains(ip, "192.168") {
			return ip
		}
	}

	return ipAddrs[0]
}

// GetMainIP returns the server's best-guess primary IP address, or "" if it
// cannot be determined.
func GetMainIP() string {
	ipAddrs, err := GetIPAddrs()
	if err != nil || len(ipAddrs) == 0 {
		return ""
	}

	return FindNonPrivateIP(ipAddrs)
}

// GetHostName returns the server process's hostname.
func GetHostName() (string, error) {
	return os.Hostname()
}
