package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
)

func TestMergeAliases(t *testing.T) {
	tests := []struct {
		name     string
		static   []string
		shared   []string
		expected []string
	}{
		{"disjoint", []string{"a.example.com"}, []string{"b.example.com"},
			[]string{"a.example.com", "b.example.com"}},
		{"duplicate dropped", []string{"a.example.com"}, []string{"a.example.com"},
			[]string{"a.example.com"}},
		{"case-insensitive duplicate", []string{"A.Example.Com"}, []string{"a.example.com"},
			[]string{"A.Example.Com"}},
		{"empty shared", []string{"a.example.com"}, nil, []string{"a.example.com"}},
		{"empty static", nil, []string{"b.example.com"}, []string{"b.example.com"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, MergeAliases(tc.static, tc.shared))
		})
	}
}

func TestNewClientRequiresEnabled(t *testing.T) {
	_, err := NewClient(&config.EtcdConfig{Enabled: false}, logging.Discard())
	assert.Error(t, err)
}
