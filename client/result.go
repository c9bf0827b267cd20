package client

// FunctionResult is the tagged outcome of a query, mutation, or action.
// Application failures travel here as values, never as engine errors.
type FunctionResult struct {
	Success      bool
	Value        Value
	ErrorMessage string
	ErrorData    Value
	LogLines     []string
}

func NewValueResult(value Value, logLines []string) FunctionResult {
	return FunctionResult{
		Success:  true,
		Value:    value,
		LogLines: logLines,
	}
}

func NewErrorResult(errorMessage string, errorData Value, logLines []string) FunctionResult {
	return FunctionResult{
		Success:      false,
		ErrorMessage: errorMessage,
		ErrorData:    errorData,
		LogLines:     logLines,
	}
}
