package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
)

// JoinGameRequest carries the local player indexes a connection wants
// to claim, e.g. {0} for a single local player or {0,1} for split-screen.
type JoinGameRequest struct {
	LocalPlayerIndexes []uint8
}

// EncodeJoinGameRequest serializes a JoinGameRequest.
func EncodeJoinGameRequest(r JoinGameRequest) []byte {
	buf := make([]byte, 1+len(r.LocalPlayerIndexes))
	buf[0] = uint8(len(r.LocalPlayerIndexes))
	copy(buf[1:], r.LocalPlayerIndexes)
	return buf
}

// DecodeJoinGameRequest parses a JoinGameRequest payload.
func DecodeJoinGameRequest(buf []byte) (JoinGameRequest, error) {
	if len(buf) < 1 {
		return JoinGameRequest{}, nberr.New("wire.DecodeJoinGameRequest", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("empty JoinGameRequest payload"))
	}
	count := int(buf[0])
	if len(buf) < 1+count {
		return JoinGameRequest{}, nberr.New("wire.DecodeJoinGameRequest", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("declared %d local players exceeds payload length %d", count, len(buf)-1))
	}
	return JoinGameRequest{LocalPlayerIndexes: append([]uint8(nil), buf[1:1+count]...)}, nil
}

// JoinGameResponse carries the participant ids assigned to the caller's
// requested local players, plus the connection's session nonce.
type JoinGameResponse struct {
	ParticipantIDs []uint8
	SessionNonce   string
}

// EncodeJoinGameResponse serializes a JoinGameResponse.
func EncodeJoinGameResponse(r JoinGameResponse) ([]byte, error) {
	if len(r.ParticipantIDs) > 0xFF || len(r.SessionNonce) > 0xFF {
		return nil, nberr.New("wire.EncodeJoinGameResponse", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("participant ids or nonce exceed u8 length prefix"))
	}
	buf := make([]byte, 0, 2+len(r.ParticipantIDs)+len(r.SessionNonce))
	buf = append(buf, uint8(len(r.ParticipantIDs)))
	buf = append(buf, r.ParticipantIDs...)
	buf = append(buf, uint8(len(r.SessionNonce)))
	buf = append(buf, []byte(r.SessionNonce)...)
	return buf, nil
}

// DecodeJoinGameResponse parses a JoinGameResponse payload.
func DecodeJoinGameResponse(buf []byte) (JoinGameResponse, error) {
	if len(buf) < 1 {
		return JoinGameResponse{}, nberr.New("wire.DecodeJoinGameResponse", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("empty JoinGameResponse payload"))
	}
	count := int(buf[0])
	cursor := 1
	if cursor+count > len(buf) {
		return JoinGameResponse{}, nberr.New("wire.DecodeJoinGameResponse", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("truncated participant ids"))
	}
	ids := append([]uint8(nil), buf[cursor:cursor+count]...)
	cursor += count
	if cursor >= len(buf) {
		return JoinGameResponse{}, nberr.New("wire.DecodeJoinGameResponse", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("missing session nonce length"))
	}
	nonceLen := int(buf[cursor])
	cursor++
	if cursor+nonceLen > len(buf) {
		return JoinGameResponse{}, nberr.New("wire.DecodeJoinGameResponse", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("truncated session nonce"))
	}
	return JoinGameResponse{ParticipantIDs: ids, SessionNonce: string(buf[cursor : cursor+nonceLen])}, nil
}

// DownloadGameStateRequest is the client's request for a state snapshot.
type DownloadGameStateRequest struct {
	ClientRequestID    uint8
	ApplicationVersion uint32
}

// EncodeDownloadGameStateRequest serializes a DownloadGameStateRequest.
func EncodeDownloadGameStateRequest(r DownloadGameStateRequest) []byte {
	buf := make([]byte, 5)
	buf[0] = r.ClientRequestID
	binary.LittleEndian.PutUint32(buf[1:5], r.ApplicationVersion)
	return buf
}

// DecodeDownloadGameStateRequest parses a DownloadGameStateRequest payload.
func DecodeDownloadGameStateRequest(buf []byte) (DownloadGameStateRequest, error) {
	if len(buf) < 5 {
		return DownloadGameStateRequest{}, nberr.New("wire.DecodeDownloadGameStateRequest", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("buffer of %d octets too short", len(buf)))
	}
	return DownloadGameStateRequest{
		ClientRequestID:    buf[0],
		ApplicationVersion: binary.LittleEndian.Uint32(buf[1:5]),
	}, nil
}

// DownloadGameStateResponse carries either a version mismatch, or the
// freshly allocated blob stream channel and snapshot metadata.
type DownloadGameStateResponse struct {
	ClientRequestID    uint8
	VersionMismatch    bool
	BlobChannel        uint8
	TotalOctetCount    uint32
	StepID             uint32
}

// EncodeDownloadGameStateResponse serializes a DownloadGameStateResponse.
func EncodeDownloadGameStateResponse(r DownloadGameStateResponse) []byte {
	buf := make([]byte, 11)
	buf[0] = r.ClientRequestID
	if r.VersionMismatch {
		buf[1] = 1
	}
	buf[2] = r.BlobChannel
	binary.LittleEndian.PutUint32(buf[3:7], r.TotalOctetCount)
	binary.LittleEndian.PutUint32(buf[7:11], r.StepID)
	return buf
}

// DecodeDownloadGameStateResponse parses a DownloadGameStateResponse payload.
func DecodeDownloadGameStateResponse(buf []byte) (DownloadGameStateResponse, error) {
	if len(buf) < 11 {
		return DownloadGameStateResponse{}, nberr.New("wire.DecodeDownloadGameStateResponse", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("buffer of %d octets too short", len(buf)))
	}
	return DownloadGameStateResponse{
		ClientRequestID: buf[0],
		VersionMismatch: buf[1] != 0,
		BlobChannel:     buf[2],
		TotalOctetCount: binary.LittleEndian.Uint32(buf[3:7]),
		StepID:          binary.LittleEndian.Uint32(buf[7:11]),
	}, nil
}

// DownloadGameStateStatus is the client's ack of blob-stream chunk progress.
type DownloadGameStateStatus struct {
	BlobChannel       uint8
	ReceivedOctetCount uint32
}

// EncodeDownloadGameStateStatus serializes a DownloadGameStateStatus.
func EncodeDownloadGameStateStatus(s DownloadGameStateStatus) []byte {
	buf := make([]byte, 5)
	buf[0] = s.BlobChannel
	binary.LittleEndian.PutUint32(buf[1:5], s.ReceivedOctetCount)
	return buf
}

// DecodeDownloadGameStateStatus parses a DownloadGameStateStatus payload.
func DecodeDownloadGameStateStatus(buf []byte) (DownloadGameStateStatus, error) {
	if len(buf) < 5 {
		return DownloadGameStateStatus{}, nberr.New("wire.DecodeDownloadGameStateStatus", nberr.CategoryProtocol, nberr.CodeMalformedPayload,
			fmt.Errorf("buffer of %d octets too short", len(buf)))
	}
	return DownloadGameStateStatus{
		BlobChannel:        buf[0],
		ReceivedOctetCount: binary.LittleEndian.Uint32(buf[1:5]),
	}, nil
}
