package execresult

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		code    ExecCode
		want    Outcome
		wantErr bool
	}{
		{code: ExecCrash, want: OutcomeCrash},
		{code: ExecTimeout, want: OutcomeTimeout},
		{code: ExecSanitizer, want: OutcomeKasan},
		{code: ExecSuccess, want: OutcomeRegular},
		{code: ExecStarved, want: OutcomeRegular},
		{code: ExecAbort, wantErr: true},
		{code: ExecSyxSymNew, wantErr: true},
		{code: ExecSyxSymWait, wantErr: true},
	}

	for _, tt := range tests {
		got, err := Classify(tt.code)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Classify(%s) succeeded, want error", tt.code)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Classify(%s): %v", tt.code, err)
		}
		if got != tt.want {
			t.Fatalf("Classify(%s) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestNewStarvedImpliesRegular(t *testing.T) {
	res, err := New(nil, 0, ExecStarved, 0.5, nil, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !res.Starved {
		t.Fatal("STARVED exec code must set Starved")
	}
	if res.Outcome != OutcomeRegular {
		t.Fatalf("starved outcome = %q, want regular", res.Outcome)
	}
}

func TestNewRegularIsNotStarved(t *testing.T) {
	res, err := New(nil, 0, ExecSuccess, 0.1, nil, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if res.Starved {
		t.Fatal("SUCCESS exec code must not set Starved")
	}
}

func TestWaitingResult(t *testing.T) {
	res := WaitingResult()
	if !res.Waiting {
		t.Fatal("WaitingResult must set Waiting")
	}
	if res.Outcome != "" || res.Bitmap != nil {
		t.Fatalf("waiting sentinel must be otherwise zero-valued: %+v", res)
	}
}
