package store

import logx "autopilot/pkg/logx"

func testLogger() logx.Logger { return logx.Nop() }
