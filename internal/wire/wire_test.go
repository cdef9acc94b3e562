package wire

import "testing"

func TestOrderedDatagramCodecLatchesOnFirstDatagram(t *testing.T) {
	var c OrderedDatagramCodec
	if c.HasReceivedInitialDatagram() {
		t.Fatalf("fresh codec must not have received an initial datagram")
	}
	if !c.AcceptInbound(5) {
		t.Fatalf("first datagram must always be accepted")
	}
	if c.ExpectedSequenceID() != 6 {
		t.Fatalf("expectedSequenceId = %d, want 6", c.ExpectedSequenceID())
	}
}

func TestOrderedDatagramCodecDropsReordered(t *testing.T) {
	var c OrderedDatagramCodec
	c.AcceptInbound(5)
	if c.AcceptInbound(4) {
		t.Fatalf("a datagram behind expectedSequenceId must be dropped")
	}
	if c.ExpectedSequenceID() != 6 {
		t.Fatalf("dropping a stale datagram must not move expectedSequenceId")
	}
	if !c.AcceptInbound(6) {
		t.Fatalf("the next in-order datagram must still be accepted")
	}
}

func TestOrderedDatagramCodecOutboundWrapsAt256(t *testing.T) {
	var c OrderedDatagramCodec
	var last uint8
	for i := 0; i < 256; i++ {
		last = c.NextOutboundSequenceID()
	}
	if last != 255 {
		t.Fatalf("256th call returned %d, want 255", last)
	}
	if got := c.NextOutboundSequenceID(); got != 0 {
		t.Fatalf("sequence id did not wrap to 0, got %d", got)
	}
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	encoded, err := EncodeFrame(7, CommandGameStep, payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	frame, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.SequenceID != 7 || frame.Command != CommandGameStep {
		t.Fatalf("decoded header mismatch: %+v", frame)
	}
	if string(frame.Payload) != string(payload) {
		t.Fatalf("decoded payload mismatch: %v", frame.Payload)
	}
}

func TestEncodeDecodeCombinedStepRoundTrip(t *testing.T) {
	step := CombinedStep{Records: []StepRecord{
		{ParticipantID: 1, Bytes: []byte{0xAA}},
		{ParticipantID: 2, Bytes: []byte{0xBB, 0xCC}},
	}}
	encoded, err := EncodeCombinedStep(step)
	if err != nil {
		t.Fatalf("EncodeCombinedStep: %v", err)
	}
	decoded, consumed, err := DecodeCombinedStep(encoded)
	if err != nil {
		t.Fatalf("DecodeCombinedStep: %v", err)
	}
	if consumed != len(encoded) {
		t.Fatalf("consumed %d, want %d", consumed, len(encoded))
	}
	if len(decoded.Records) != 2 || decoded.Records[0].ParticipantID != 1 || string(decoded.Records[1].Bytes) != "\xbb\xcc" {
		t.Fatalf("decoded step mismatch: %+v", decoded)
	}
}

func TestEncodeDecodeGameStepRequestRoundTrip(t *testing.T) {
	req := GameStepRequest{
		WaitingForStepID:     0x100,
		FirstPredictedStepID: 0x100,
		Steps: []CombinedStep{
			{Records: []StepRecord{{ParticipantID: 1, Bytes: []byte{0xAA}}}},
			{Records: []StepRecord{{ParticipantID: 1, Bytes: []byte{0xBB}}}},
			{Records: []StepRecord{{ParticipantID: 1, Bytes: []byte{0xCC}}}},
		},
	}
	encoded, err := EncodeGameStepRequest(req)
	if err != nil {
		t.Fatalf("EncodeGameStepRequest: %v", err)
	}
	decoded, err := DecodeGameStepRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeGameStepRequest: %v", err)
	}
	if decoded.WaitingForStepID != req.WaitingForStepID || len(decoded.Steps) != 3 {
		t.Fatalf("decoded request mismatch: %+v", decoded)
	}
	if string(decoded.Steps[2].Records[0].Bytes) != "\xcc" {
		t.Fatalf("decoded third step mismatch: %+v", decoded.Steps[2])
	}
}

func TestDecodeFrameRejectsShortDatagram(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x01}); err == nil {
		t.Fatalf("expected short datagram to fail decoding")
	}
}

func TestJoinGameRequestRoundTrip(t *testing.T) {
	req := JoinGameRequest{LocalPlayerIndexes: []uint8{0}}
	decoded, err := DecodeJoinGameRequest(EncodeJoinGameRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.LocalPlayerIndexes) != 1 || decoded.LocalPlayerIndexes[0] != 0 {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestJoinGameResponseRoundTrip(t *testing.T) {
	resp := JoinGameResponse{ParticipantIDs: []uint8{1}, SessionNonce: "abc.def"}
	encoded, err := EncodeJoinGameResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeJoinGameResponse(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SessionNonce != "abc.def" || decoded.ParticipantIDs[0] != 1 {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestDownloadGameStateRoundTrip(t *testing.T) {
	req := DownloadGameStateRequest{ClientRequestID: 3, ApplicationVersion: 7}
	decodedReq, err := DecodeDownloadGameStateRequest(EncodeDownloadGameStateRequest(req))
	if err != nil || decodedReq != req {
		t.Fatalf("request round trip failed: %+v, %v", decodedReq, err)
	}
	resp := DownloadGameStateResponse{ClientRequestID: 3, BlobChannel: 127, TotalOctetCount: 2, StepID: 0x151}
	decodedResp, err := DecodeDownloadGameStateResponse(EncodeDownloadGameStateResponse(resp))
	if err != nil || decodedResp != resp {
		t.Fatalf("response round trip failed: %+v, %v", decodedResp, err)
	}
}

func TestTruncateStepsToMTU(t *testing.T) {
	big := make([]byte, 24)
	for i := range big {
		big[i] = 0xFF
	}
	steps := make([]CombinedStep, 100)
	for i := range steps {
		steps[i] = CombinedStep{Records: []StepRecord{{ParticipantID: 1, Bytes: big}}}
	}
	kept := TruncateStepsToMTU(steps, 0)
	if len(kept) >= len(steps) {
		t.Fatalf("expected truncation, got %d of %d steps kept", len(kept), len(steps))
	}
	encoded, err := EncodeGameStepResponse(GameStepResponse{Steps: kept})
	if err != nil {
		t.Fatalf("encode kept steps: %v", err)
	}
	if HeaderLen+len(encoded) > MaxDatagramOctets {
		t.Fatalf("truncated response of %d octets still exceeds MTU", HeaderLen+len(encoded))
	}
}
