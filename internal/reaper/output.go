package reaper

import "fmt"

func abandonedOutput(ageMinutes int) string {
	return fmt.Sprintf("RESET: abandoned for more than %d minutes", ageMinutes)
}

func retryCooldownOutput(attempt int) string {
	return fmt.Sprintf("RETRY: cooldown elapsed, attempt %d", attempt)
}

func runTimeoutOutput(timeoutMinutes int) string {
	return fmt.Sprintf("RUN_TIMEOUT: exceeded %d minute run timeout", timeoutMinutes)
}
