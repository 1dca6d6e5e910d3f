package frontend

import "testing"

func TestClassifyFixedOpcodes(t *testing.T) {
	tests := []struct {
		name   string
		opcode byte
		want   Kind
	}{
		{"quit", ComQuit, KindQuit},
		{"init_db", ComInitDB, KindSessionModifying},
		{"change_user", ComChangeUser, KindSessionModifying},
		{"set_option", ComSetOption, KindSessionModifying},
		{"stmt_prepare", ComStmtPrepare, KindSessionModifying},
		{"reset_connection", ComResetConnection, KindSessionModifying},
		{"ping", ComPing, KindSingleBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.opcode, []byte{tt.opcode}, nil)
			if got != tt.want {
				t.Errorf("Classify(0x%02x) = %v, want %v", tt.opcode, got, tt.want)
			}
		})
	}
}

func TestClassifyQueryDelegatesToClassifier(t *testing.T) {
	payload := append([]byte{ComQuery}, []byte("SET autocommit=0")...)
	if got := Classify(ComQuery, payload, TextClassifier{}); got != KindSessionModifying {
		t.Errorf("expected SET to classify as session modifying, got %v", got)
	}

	payload = append([]byte{ComQuery}, []byte("SELECT 1")...)
	if got := Classify(ComQuery, payload, TextClassifier{}); got != KindSingleBackend {
		t.Errorf("expected SELECT to classify as single backend, got %v", got)
	}
}

func TestClassifyQueryWithNilClassifierDefaultsSingleBackend(t *testing.T) {
	payload := append([]byte{ComQuery}, []byte("SET autocommit=0")...)
	if got := Classify(ComQuery, payload, nil); got != KindSingleBackend {
		t.Errorf("expected nil classifier to default to single backend, got %v", got)
	}
}

func TestTextClassifierRecognizesUse(t *testing.T) {
	payload := append([]byte{ComQuery}, []byte("use some_schema")...)
	if !(TextClassifier{}).IsSessionModifying(payload) {
		t.Error("expected lowercase USE to be recognized as session modifying")
	}
}

func TestTextClassifierRejectsKeywordPrefix(t *testing.T) {
	payload := append([]byte{ComQuery}, []byte("SETUP something")...)
	if (TextClassifier{}).IsSessionModifying(payload) {
		t.Error("expected SETUP to not match the SET keyword")
	}
}
