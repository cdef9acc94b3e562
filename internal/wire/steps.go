package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
)

// StepRecord is the payload-agnostic unit the core moves around:
// a participant id paired with its opaque step bytes. Interpretation
// of Bytes is left entirely to the host application (spec.md §9).
type StepRecord struct {
	ParticipantID uint8
	Bytes         []byte
}

// CombinedStep is one tick's worth of per-participant records,
// concatenated with length-prefixed framing for a single connection
// or, for authoritative steps, for the whole game.
type CombinedStep struct {
	Records []StepRecord
}

// EncodeCombinedStepBody writes participantCount(u8) then each
// (participantId u8, stepLen u8, bytes), with no outer length prefix.
// This is the representation stored directly in a stepstore.Store
// slot, where the ring already tracks occupancy by StepId.
func EncodeCombinedStepBody(step CombinedStep) ([]byte, error) {
	body := make([]byte, 0, 1+len(step.Records)*2)
	body = append(body, uint8(len(step.Records)))
	for _, r := range step.Records {
		if len(r.Bytes) > 0xFF {
			return nil, nberr.New("wire.EncodeCombinedStepBody", nberr.CategoryInternal, nberr.CodeInternalInvariant,
				fmt.Errorf("participant %d step of %d octets exceeds single-step cap", r.ParticipantID, len(r.Bytes)))
		}
		body = append(body, r.ParticipantID, uint8(len(r.Bytes)))
		body = append(body, r.Bytes...)
	}
	return body, nil
}

// DecodeCombinedStepBody is the inverse of EncodeCombinedStepBody.
func DecodeCombinedStepBody(body []byte) (CombinedStep, error) {
	if len(body) < 1 {
		return CombinedStep{}, nberr.New("wire.DecodeCombinedStepBody", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("combined step body empty"))
	}
	participantCount := int(body[0])
	records := make([]StepRecord, 0, participantCount)
	cursor := 1
	for i := 0; i < participantCount; i++ {
		if cursor+2 > len(body) {
			return CombinedStep{}, nberr.New("wire.DecodeCombinedStepBody", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
				fmt.Errorf("truncated participant record %d", i))
		}
		participantID := body[cursor]
		stepLen := int(body[cursor+1])
		cursor += 2
		if cursor+stepLen > len(body) {
			return CombinedStep{}, nberr.New("wire.DecodeCombinedStepBody", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
				fmt.Errorf("truncated step bytes for participant %d", participantID))
		}
		records = append(records, StepRecord{ParticipantID: participantID, Bytes: append([]byte(nil), body[cursor:cursor+stepLen]...)})
		cursor += stepLen
	}
	return CombinedStep{Records: records}, nil
}

// EncodeCombinedStep writes combinedLen(u16) followed by the body
// format of EncodeCombinedStepBody, used when multiple combined steps
// are packed sequentially into a GameStep request/response payload.
func EncodeCombinedStep(step CombinedStep) ([]byte, error) {
	body, err := EncodeCombinedStepBody(step)
	if err != nil {
		return nil, err
	}
	if len(body) > 0xFFFF {
		return nil, nberr.New("wire.EncodeCombinedStep", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("combined step of %d octets exceeds u16 length prefix", len(body)))
	}
	out := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(body)))
	copy(out[2:], body)
	return out, nil
}

// DecodeCombinedStep reads one length-prefixed combined step from buf,
// returning the step and the number of octets consumed.
func DecodeCombinedStep(buf []byte) (CombinedStep, int, error) {
	if len(buf) < 2 {
		return CombinedStep{}, 0, nberr.New("wire.DecodeCombinedStep", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("buffer of %d octets too short for combined-step header", len(buf)))
	}
	combinedLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+combinedLen {
		return CombinedStep{}, 0, nberr.New("wire.DecodeCombinedStep", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("declared combined length %d exceeds remaining %d octets", combinedLen, len(buf)-2))
	}
	body := buf[2 : 2+combinedLen]
	decoded, err := DecodeCombinedStepBody(body)
	if err != nil {
		return CombinedStep{}, 0, err
	}
	return decoded, 2 + combinedLen, nil
}

// GameStepRequest is the decoded GameStep request payload (spec.md §6).
type GameStepRequest struct {
	WaitingForStepID     uint32
	FirstPredictedStepID uint32
	Steps                []CombinedStep
}

// EncodeGameStepRequest serializes a GameStepRequest.
func EncodeGameStepRequest(r GameStepRequest) ([]byte, error) {
	if len(r.Steps) > 0xFF {
		return nil, nberr.New("wire.EncodeGameStepRequest", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("%d steps exceeds u8 step count", len(r.Steps)))
	}
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint32(buf[0:4], r.WaitingForStepID)
	binary.LittleEndian.PutUint32(buf[4:8], r.FirstPredictedStepID)
	buf[8] = uint8(len(r.Steps))
	for _, step := range r.Steps {
		encoded, err := EncodeCombinedStep(step)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encoded...)
	}
	return buf, nil
}

// DecodeGameStepRequest parses a GameStep request payload.
func DecodeGameStepRequest(buf []byte) (GameStepRequest, error) {
	if len(buf) < 9 {
		return GameStepRequest{}, nberr.New("wire.DecodeGameStepRequest", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("buffer of %d octets too short for GameStep header", len(buf)))
	}
	req := GameStepRequest{
		WaitingForStepID:     binary.LittleEndian.Uint32(buf[0:4]),
		FirstPredictedStepID: binary.LittleEndian.Uint32(buf[4:8]),
	}
	stepCount := int(buf[8])
	cursor := 9
	for i := 0; i < stepCount; i++ {
		step, consumed, err := DecodeCombinedStep(buf[cursor:])
		if err != nil {
			return GameStepRequest{}, err
		}
		req.Steps = append(req.Steps, step)
		cursor += consumed
	}
	return req, nil
}

// GameStepResponse is the decoded GameStep response payload.
type GameStepResponse struct {
	StartStepID uint32
	Steps       []CombinedStep
}

// EncodeGameStepResponse serializes a GameStepResponse.
func EncodeGameStepResponse(r GameStepResponse) ([]byte, error) {
	if len(r.Steps) > 0xFF {
		return nil, nberr.New("wire.EncodeGameStepResponse", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("%d steps exceeds u8 step count", len(r.Steps)))
	}
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], r.StartStepID)
	buf[4] = uint8(len(r.Steps))
	for _, step := range r.Steps {
		encoded, err := EncodeCombinedStep(step)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encoded...)
	}
	return buf, nil
}

// DecodeGameStepResponse parses a GameStep response payload.
func DecodeGameStepResponse(buf []byte) (GameStepResponse, error) {
	if len(buf) < 5 {
		return GameStepResponse{}, nberr.New("wire.DecodeGameStepResponse", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("buffer of %d octets too short for GameStepResponse header", len(buf)))
	}
	resp := GameStepResponse{StartStepID: binary.LittleEndian.Uint32(buf[0:4])}
	stepCount := int(buf[4])
	cursor := 5
	for i := 0; i < stepCount; i++ {
		step, consumed, err := DecodeCombinedStep(buf[cursor:])
		if err != nil {
			return GameStepResponse{}, err
		}
		resp.Steps = append(resp.Steps, step)
		cursor += consumed
	}
	return resp, nil
}

// TruncateStepsToMTU drops trailing steps from a GameStepResponse
// encoding until it fits within the datagram MTU, truncating at step
// boundaries per spec.md §6.
func TruncateStepsToMTU(steps []CombinedStep, headerOverhead int) []CombinedStep {
	budget := MaxDatagramOctets - HeaderLen - headerOverhead
	kept := make([]CombinedStep, 0, len(steps))
	used := 0
	for _, step := range steps {
		encoded, err := EncodeCombinedStep(step)
		if err != nil {
			break
		}
		if used+len(encoded) > budget {
			break
		}
		used += len(encoded)
		kept = append(kept, step)
	}
	return kept
}
