package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProviderConnect ReasonCode = "provider_connect"
	ReasonProviderAuth    ReasonCode = "provider_auth"
	ReasonProviderSend    ReasonCode = "provider_send"
	ReasonProviderClosed  ReasonCode = "provider_closed"

	ReasonSynthesisConnect     ReasonCode = "synthesis_connect"
	ReasonSynthesisOversize    ReasonCode = "synthesis_oversize"
	ReasonSynthesisRequest     ReasonCode = "synthesis_request"
	ReasonSynthesisRateLimit   ReasonCode = "synthesis_rate_limit"
	ReasonSynthesisCircuitOpen ReasonCode = "synthesis_circuit_open"

	ReasonReasoningGenerate ReasonCode = "reasoning_generate"

	ReasonFunctionUnknown ReasonCode = "function_unknown"
	ReasonFunctionExec    ReasonCode = "function_exec"
	ReasonFunctionTimeout ReasonCode = "function_timeout"

	ReasonMalformedMessage ReasonCode = "malformed_message"
	ReasonConfigMissing    ReasonCode = "config_missing"
	ReasonPersistence      ReasonCode = "persistence"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "telephony_send"
	ReasonTransportClosed           ReasonCode = "telephony_closed"
	ReasonHangup                    ReasonCode = "hangup"
)
