package realtime

import (
	"sync"
)

// makes a copy of the callback set on read so that
// attach/detach are safe while callbacks are firing
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	callbackOrder  []int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks:     map[int]T{},
		callbackOrder: []int{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.callbackOrder))
	for _, callbackId := range self.callbackOrder {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// returns a callback id for `Remove`
func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.callbackOrder = append(self.callbackOrder, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, orderedId := range self.callbackOrder {
		if orderedId == callbackId {
			self.callbackOrder = append(self.callbackOrder[0:i], self.callbackOrder[i+1:]...)
			break
		}
	}
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.callbacks)
}

// note all callbacks are wrapped to recover from errors
// so one misbehaving subscriber cannot take down the dispatch loop
func handleCallback(callback func()) {
	defer func() {
		recover()
	}()
	callback()
}
