package workflow

import "github.com/werkstatt-flow/api/internal/domain"

// queueDependencies lists services that should be finished before the keyed
// service starts work, when both are on the same order.
var queueDependencies = map[domain.ServiceType][]domain.ServiceType{
	domain.ServiceLackier: {domain.ServiceDellen},
	domain.ServicePflege:  {domain.ServiceLackier},
}

// QueueBlockers returns the prerequisite services of service that are attached
// to the order but not terminal yet. statusOf reports the status of an attached
// service and false for services not on the order.
func QueueBlockers(service domain.ServiceType, statusOf func(domain.ServiceType) (string, bool)) []domain.ServiceType {
	var blocked []domain.ServiceType
	for _, prerequisite := range queueDependencies[service] {
		status, attached := statusOf(prerequisite)
		if attached && !IsTerminal(status) {
			blocked = append(blocked, prerequisite)
		}
	}
	return blocked
}
