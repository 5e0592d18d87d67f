package models

type StartVerificationRequest struct {
	ParticipantId string `json:"participant_id" validate:"required,max=128,excludesall=/?#"`
}

type StartVerificationResponse struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
}

// ClientMessage is a control message sent by the browser over the verification socket.
// Camera frames travel as binary messages and are not represented here.
type ClientMessage struct {
	Type string `json:"type" validate:"required,oneof=start restart"`
}

type VerificationStatus struct {
	ParticipantId string `json:"participant_id"`
	Key           string `json:"key"`
	IsVerified    bool   `json:"isVerified"`
	HandGesture   bool   `json:"handGesture"`
	Admitted      bool   `json:"admitted"`
}
