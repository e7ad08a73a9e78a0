package workerpool

import "encoding/json"

// correlatedFrame wraps a worker request/response body with a correlation
// id so multiple in-flight requests share one connection.
type correlatedFrame struct {
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func encodeCorrelated(id uint64, payload []byte) []byte {
	b, _ := json.Marshal(correlatedFrame{ID: id, Payload: payload})
	return b
}

func decodeCorrelated(body []byte) (uint64, []byte) {
	var f correlatedFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return 0, nil
	}
	return f.ID, f.Payload
}

type runTestsRequest struct {
	Files []string `json:"files"`
}

func encodeRunTestsRequest(files []string) []byte {
	b, _ := json.Marshal(runTestsRequest{Files: files})
	return b
}

type runTestsResponse struct {
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Output string `json:"output"`
}

func decodeRunTestsResponse(payload []byte) (TestResult, error) {
	var r runTestsResponse
	if err := json.Unmarshal(payload, &r); err != nil {
		return TestResult{}, err
	}
	return TestResult{Passed: r.Passed, Failed: r.Failed, Output: r.Output}, nil
}
