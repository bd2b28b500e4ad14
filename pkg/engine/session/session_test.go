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

package session

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	c := &Config{}

	if got := c.markerTimeout(); got != DefaultMarkerTimeout {
		t.Errorf("markerTimeout() = %v, want default %v", got, DefaultMarkerTimeout)
	}
	if got := c.drainInactivity(); got != DefaultDrainInactivity {
		t.Errorf("drainInactivity() = %v, want default %v", got, DefaultDrainInactivity)
	}
	if got := c.standaloneReadTimeout(); got != DefaultStandaloneReadTimeout {
		t.Errorf("standaloneReadTimeout() = %v, want default %v", got, DefaultStandaloneReadTimeout)
	}
}

func TestConfigOverrides(t *testing.T) {
	c := &Config{
		MarkerTimeout:         3 * time.Second,
		DrainInactivity:       10 * time.Millisecond,
		StandaloneReadTimeout: 2 * time.Second,
	}

	if got := c.markerTimeout(); got != 3*time.Second {
		t.Errorf("markerTimeout() = %v, want 3s", got)
	}
	if got := c.drainInactivity(); got != 10*time.Millisecond {
		t.Errorf("drainInactivity() = %v, want 10ms", got)
	}
	if got := c.standaloneReadTimeout(); got != 2*time.Second {
		t.Errorf("standaloneReadTimeout() = %v, want 2s", got)
	}
}

func TestEstablishSessionDispatchesOnRuntime(t *testing.T) {
	dockerSess, err := EstablishSession(&Config{Runtime: Docker}, nil, nil)
	if err != nil {
		t.Fatalf("EstablishSession(Docker): %v", err)
	}
	if _, ok := dockerSess.(*dockerSession); !ok {
		t.Fatalf("expected *dockerSession for Runtime: Docker, got %T", dockerSess)
	}

	ctrdSess, err := EstablishSession(&Config{Runtime: Containerd}, nil, nil)
	if err != nil {
		t.Fatalf("EstablishSession(Containerd): %v", err)
	}
	if _, ok := ctrdSess.(*containerdSession); !ok {
		t.Fatalf("expected *containerdSession for Runtime: Containerd, got %T", ctrdSess)
	}
}
