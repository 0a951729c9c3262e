package trademirror

import (
	"testing"
)

func TestStatus_String(t *testing.T) {
	var tests = map[string]struct {
		status   Status
		expected string
	}{
		"idle": {
			status:   0,
			expected: "IDLE",
		},
		"connected": {
			status:   StatusConnected,
			expected: "CONNECTED",
		},
		"connected simulated": {
			status:   StatusConnected | StatusSimulated,
			expected: "CONNECTED|SIMULATED",
		},
		"connected with error": {
			status:   StatusConnected | StatusError,
			expected: "CONNECTED|ERROR",
		},
		"public only": {
			status:   StatusConnected | StatusPublicOnly,
			expected: "CONNECTED|PUBLIC_ONLY",
		},
		"stopped": {
			status:   StatusStopped,
			expected: "STOPPED",
		},
		"all flags": {
			status: StatusConnected | StatusSimulated | StatusError |
				StatusPublicOnly | StatusStopped,
			expected: "CONNECTED|SIMULATED|ERROR|PUBLIC_ONLY|STOPPED",
		},
	}

	for testName, test := range tests {
		t.Run(testName, func(t *testing.T) {
			actual := test.status.String()
			if actual != test.expected {
				t.Errorf(
					"unexpected status string\n"+
						"expected: [%v]\n"+
						"actual:   [%v]",
					test.expected,
					actual,
				)
			}
		})
	}
}

func TestStatus_Has(t *testing.T) {
	status := StatusConnected | StatusError

	if !status.Has(StatusConnected) {
		t.Errorf("expected connected flag to be set")
	}

	if !status.Has(StatusError) {
		t.Errorf("expected error flag to be set")
	}

	if status.Has(StatusPublicOnly) {
		t.Errorf("expected public-only flag to be clear")
	}
}
