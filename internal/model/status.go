package model

// StatusMachine lists, for each status, the statuses it may move to.
// Statuses absent from the map are terminal.
type StatusMachine map[string][]string

func (m StatusMachine) CanTransition(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := m[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}
