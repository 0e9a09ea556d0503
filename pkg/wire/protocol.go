package wire

// ConnectionInfo is the set of ZMQ ports and signature parameters a kernel
// advertises once it has bound its sockets. It is the plaintext conveyed
// inside the encrypted response payload's conn_info field.
type ConnectionInfo struct {
	KernelID           string `json:"kernel_id"`
	IP                 string `json:"ip"`
	ShellPort          int    `json:"shell_port"`
	IOPubPort          int    `json:"iopub_port"`
	StdinPort          int    `json:"stdin_port"`
	ControlPort        int    `json:"control_port"`
	HBPort             int    `json:"hb_port"`
	SignatureKey       string `json:"signature_key"`
	SignatureScheme    string `json:"signature_scheme"`
	CommunicationPort  int    `json:"communication_port"`
	PID                int    `json:"pid,omitempty"`
	PGID               int    `json:"pgid,omitempty"`
}

// ResponseVersion is the only payload version this implementation
// understands. crypto.DecryptPayload rejects anything else with VERSION_MISMATCH.
const ResponseVersion = 1

// ResponsePayload is the outer, base64-framed JSON structure a
// kernel-launcher writes to the response address, one TCP write then EOF.
type ResponsePayload struct {
	Version  int    `json:"version"`
	Key      string `json:"key"`       // base64(RSA_pub(random AES key))
	ConnInfo string `json:"conn_info"` // base64(AES_CBC_PKCS7(JSON(ConnectionInfo)))
}

// CommPortMessage is the line-delimited JSON spoken over the communication
// port, host to launcher. Exactly one of Signum/Shutdown is set.
type CommPortMessage struct {
	Signum   *int `json:"signum,omitempty"`
	Shutdown *int `json:"shutdown,omitempty"`
}

// SignalMessage builds the {"signum": N} frame; 0 is the liveness probe.
func SignalMessage(signum int) CommPortMessage {
	return CommPortMessage{Signum: &signum}
}

// ShutdownMessage builds the {"shutdown": 1} frame.
func ShutdownMessage() CommPortMessage {
	one := 1
	return CommPortMessage{Shutdown: &one}
}
