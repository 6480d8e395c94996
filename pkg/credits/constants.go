package credits

const (
	operationGrant         = "grant"
	operationDeduct        = "deduct"
	operationFreeAllowance = "free_allowance"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	freeResetDayLayout = "2006-01-02"
)
