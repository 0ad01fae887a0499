package transport

import (
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/openmesa/appcore/pkg/commsutil"
)

const natsTestPrefix = "transport:nats_test"

func TestNewNATS_Defaults(t *testing.T) {
	tr := NewNATS(NATSOptions{})
	if tr.opts.URL != nats.DefaultURL {
		t.Errorf("%s - URL = %q, want %q", natsTestPrefix, tr.opts.URL, nats.DefaultURL)
	}
	if tr.opts.Subject != commsutil.SubjectMCP {
		t.Errorf("%s - Subject = %q, want %q", natsTestPrefix, tr.opts.Subject, commsutil.SubjectMCP)
	}
	if tr.opts.Name == "" {
		t.Errorf("%s - Name is empty, want a default", natsTestPrefix)
	}
}

func TestNATS_CloseWithoutConnect(t *testing.T) {
	tr := NewNATS(NATSOptions{})
	if err := tr.Close(); err != nil {
		t.Errorf("%s - Close without Connect = %v, want nil", natsTestPrefix, err)
	}
}
