// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeserializeVersioned(t *testing.T) {
	cfg, err := Deserialize(`
version = "v1"
astarte_library = "astarte_device_sdk"

[containers]
`)
	require.NoError(t, err)
	require.True(t, cfg.IsVersioned())
	assert.Equal(t, "v1", cfg.Versioned.Version)
	assert.False(t, cfg.Versioned.V1.Containers.Required)
	assert.Equal(t, MaxInitRetries, cfg.Versioned.V1.Containers.MaxRetries)
}

func TestDeserializeLegacy(t *testing.T) {
	cfg, err := Deserialize(`astarte_library = "astarte-device-sdk"`)
	require.NoError(t, err)
	require.False(t, cfg.IsVersioned())
	require.NotNil(t, cfg.Legacy)
	assert.Equal(t, MaxInitRetries, cfg.Legacy.Containers.MaxRetries)
}

func TestDeserializeVersionedUnknownField(t *testing.T) {
	_, err := Deserialize(`
version = "v1"
unknown = "x"
`)
	assert.Error(t, err)
}

func TestDeserializeUnsupportedVersion(t *testing.T) {
	_, err := Deserialize(`version = "v99"`)
	assert.Error(t, err)
}

func TestDefaultListenerUnix(t *testing.T) {
	l := DefaultListener()
	network, _ := l.Addr()
	want := "unix"
	if runtime.GOOS == "windows" {
		want = "tcp"
	}
	assert.Equal(t, want, network)
}

func TestRoundTripV1(t *testing.T) {
	doc := `
version = "v1"
astarte_library = "astarte_device_sdk"

[containers]
required = true
max_retries = 3

[service]
enabled = true

[service.listener]
unix = "/run/edgehog.sock"
`
	first, err := Deserialize(doc)
	require.NoError(t, err)
	require.True(t, first.IsVersioned())

	var buf bytes.Buffer
	require.NoError(t, toml.NewEncoder(&buf).Encode(first.Versioned.V1))

	second, err := Deserialize(buf.String())
	require.NoError(t, err)
	require.True(t, second.IsVersioned())

	assert.Equal(t, first.Versioned.V1, second.Versioned.V1)
}
