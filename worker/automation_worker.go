package worker

import (
	"log"

	"mailflow/config"
	"mailflow/engine"

	"github.com/robfig/cron/v3"
)

// AutomationWorker runs the due-action sweep on a cron schedule. Each tick
// claims and executes up to AutomationBatchSize due actions; anything left
// over is picked up by the next tick.
type AutomationWorker struct {
	stepEngine *engine.StepEngine
	logger     *log.Logger
	cron       *cron.Cron
	schedule   string
	batchSize  int
}

func NewAutomationWorker(stepEngine *engine.StepEngine, logger *log.Logger) *AutomationWorker {
	return &AutomationWorker{
		stepEngine: stepEngine,
		logger:     logger,
		cron:       cron.New(),
		schedule:   config.AppConfig.AutomationSchedule,
		batchSize:  config.AppConfig.AutomationBatchSize,
	}
}

func (aw *AutomationWorker) Start() error {
	if _, err := aw.cron.AddFunc(aw.schedule, aw.sweep); err != nil {
		return err
	}
	aw.cron.Start()
	aw.logger.Printf("Automation worker started (schedule %s, batch size %d)", aw.schedule, aw.batchSize)
	return nil
}

func (aw *AutomationWorker) Stop() {
	ctx := aw.cron.Stop()
	<-ctx.Done()
	aw.logger.Println("Automation worker stopped")
}

func (aw *AutomationWorker) sweep() {
	processed, failed, err := aw.stepEngine.ProcessDue(aw.batchSize)
	if err != nil {
		aw.logger.Printf("Automation sweep failed: %v", err)
		return
	}
	if processed > 0 || failed > 0 {
		aw.logger.Printf("Automation sweep: %d actions executed, %d failed", processed, failed)
	}
}
