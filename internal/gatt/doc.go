// Package gatt describes the peer-facing radio capability the gateway
// depends on: services and characteristics with read, write and notify
// handlers, and a Device that advertises them, scans for peripherals,
// and connects to them.
//
// Handlers follow the net/http style: a characteristic routes each
// request to a ReadHandler, WriteHandler or NotifyHandler, and each
// handler interface has a Func adapter.
//
//	svc := gatt.NewService(gatt.MustParseUUID("16ba0001-cf44-461e-b889-4f9a90f6b330"))
//	c := svc.AddCharacteristic(gatt.MustParseUUID("16ba0004-cf44-461e-b889-4f9a90f6b330"))
//	c.HandleReadFunc(func(resp gatt.ReadResponseWriter, req *gatt.ReadRequest) {
//		resp.Write(body[req.Offset:])
//	})
//
// A concrete radio binding implements Device. The loopback subpackage is
// an in-process Device that a simulated peer drives directly.
package gatt
