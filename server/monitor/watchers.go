package monitor

import "github.com/cyclopcam/gridwatch/pkg/gen"

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

// Register to receive analysis results for a specific stream.
func (m *Monitor) AddWatcher(streamID int64) chan *StreamState {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	ch := make(chan *StreamState, WatcherChannelSize)
	m.watchers[streamID] = append(m.watchers[streamID], ch)
	return ch
}

// Unregister from analysis results for a specific stream
func (m *Monitor) RemoveWatcher(streamID int64, ch chan *StreamState) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	for i, w := range m.watchers[streamID] {
		if w == ch {
			m.watchers[streamID] = gen.DeleteFromSliceUnordered(m.watchers[streamID], i)
			return
		}
	}
	m.Log.Warnf("Monitor.RemoveWatcher failed to find channel for stream %v", streamID)
}

// Add a watcher that is interested in all stream activity
func (m *Monitor) AddWatcherAllStreams() chan *StreamState {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	ch := make(chan *StreamState, WatcherChannelSize)
	m.watchersAllStreams = append(m.watchersAllStreams, ch)
	return ch
}

// Unregister from analysis results of all streams
func (m *Monitor) RemoveWatcherAllStreams(ch chan *StreamState) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	for i, wch := range m.watchersAllStreams {
		if wch == ch {
			m.watchersAllStreams = gen.DeleteFromSliceUnordered(m.watchersAllStreams, i)
			return
		}
	}
	m.Log.Warnf("Monitor.RemoveWatcherAllStreams failed to find channel")
}

// Register to receive an event every time a track moves from one screen to another
func (m *Monitor) AddCrossingWatcher() chan *CrossingEvent {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	ch := make(chan *CrossingEvent, WatcherChannelSize)
	m.crossingWatchers = append(m.crossingWatchers, ch)
	return ch
}

func (m *Monitor) RemoveCrossingWatcher(ch chan *CrossingEvent) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	for i, wch := range m.crossingWatchers {
		if wch == ch {
			m.crossingWatchers = gen.DeleteFromSliceUnordered(m.crossingWatchers, i)
			return
		}
	}
	m.Log.Warnf("Monitor.RemoveCrossingWatcher failed to find channel")
}

// A slow watcher must never stall the tick loop, so we drop results for a watcher
// whose channel is nearly full.
func (m *Monitor) sendToWatchers(state *StreamState) {
	m.watchersLock.RLock()
	for _, ch := range m.watchers[state.StreamID] {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			m.Log.Warnf("Monitor watcher on stream %v is falling behind. I am going to drop frames.", state.StreamID)
		} else {
			ch <- state
		}
	}
	for _, ch := range m.watchersAllStreams {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			m.Log.Warnf("Monitor watcher on all streams is falling behind. I am going to drop frames.")
		} else {
			ch <- state
		}
	}
	m.watchersLock.RUnlock()
}

func (m *Monitor) sendToCrossingWatchers(event *CrossingEvent) {
	m.watchersLock.RLock()
	for _, ch := range m.crossingWatchers {
		if len(ch) >= cap(ch)*9/10 {
			m.Log.Warnf("Monitor crossing watcher is falling behind. I am going to drop events.")
		} else {
			ch <- event
		}
	}
	m.watchersLock.RUnlock()
}
