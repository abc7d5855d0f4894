package enums

// OutboxTerminalReason records why a publisher stopped retrying a row.
type OutboxTerminalReason string

const (
	OutboxTerminalMaxAttempts  OutboxTerminalReason = "max_attempts"
	OutboxTerminalNonRetryable OutboxTerminalReason = "non_retryable"
)

func (r OutboxTerminalReason) IsValid() bool {
	return r == OutboxTerminalMaxAttempts || r == OutboxTerminalNonRetryable
}
