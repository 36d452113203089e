package broker

import (
	"fmt"

	"github.com/deckgen/pipeline/internal/jobs"
)

// stageDomains maps each pipeline stage onto the domain half of its routing
// key; the action half is the stage name. Stages 1-2 are document work, 3-4
// embedding work, 5-8 deck generation work.
var stageDomains = [jobs.StageCount]string{
	"pdf",
	"pdf",
	"embedding",
	"embedding",
	"deck",
	"deck",
	"deck",
	"deck",
}

// RouteForStage returns the routing key under which the given stage's work
// message is published, e.g. stage 1 -> "pdf.extract".
func RouteForStage(stage int) (string, error) {
	if stage < 1 || stage > jobs.StageCount {
		return "", fmt.Errorf("stage %d out of range 1..%d", stage, jobs.StageCount)
	}
	return stageDomains[stage-1] + "." + jobs.StageNames[stage-1], nil
}

// QueueForStage returns the queue that consumes the given stage's messages.
func QueueForStage(stage int) (string, error) {
	if stage < 1 || stage > jobs.StageCount {
		return "", fmt.Errorf("stage %d out of range 1..%d", stage, jobs.StageCount)
	}
	switch stageDomains[stage-1] {
	case "pdf":
		return QueuePDFProcessing, nil
	case "embedding":
		return QueueEmbeddingGeneration, nil
	default:
		return QueueDeckGeneration, nil
	}
}
