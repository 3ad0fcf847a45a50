// Package driver runs a device driver on a small pool of worker goroutines
// while letting the driver code assume it runs alone.
//
// Requests submitted to a Pool are handed to idle workers. A single gate
// serializes driver code: a worker holds it while running a request and
// gives it up only in Task.Sleep (waiting for a Wakeup) and Task.Block
// (physical I/O). Other workers run in those windows, so a slow device
// transfer does not hold up unrelated requests.
//
// # Basic Usage
//
//	drv := driver.NewBlockDriver()
//	drv.Attach(dev, disk)
//
//	p, err := driver.New(drv, driver.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	go p.Run(ctx)
//
//	c, err := driver.NewClient(ctx, p, dev) // a device.Device
//
// # Thread States
//
// Each worker is Idle, Running (holds the gate), Blocked (in I/O, gate
// released), Parked (in Sleep, gate released) or Exited. Stop only succeeds
// when every worker is Idle and nothing is queued; Terminate waits for that.
package driver
