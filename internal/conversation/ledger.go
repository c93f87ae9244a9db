package conversation

import "time"

// Ledger operations. Every mutation ends with a full aggregate
// recompute and a touched UpdatedAt; the Manager layers persistence
// and events on top. Mutations take the ledger lock so the debounced
// persist can snapshot a consistent message list.

// Append adds a message to the end of the ledger.
func (c *Conversation) Append(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.Turn = c.Turn
	c.Messages = append(c.Messages, msg)
	c.finishMutation()
}

// Insert adds a message at the given index, clamped to the list
// bounds.
func (c *Conversation) Insert(index int, msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 {
		index = 0
	}
	if index > len(c.Messages) {
		index = len(c.Messages)
	}
	c.Messages = append(c.Messages, nil)
	copy(c.Messages[index+1:], c.Messages[index:])
	c.Messages[index] = msg
	c.finishMutation()
}

// Remove deletes count messages starting at index. Out-of-range
// requests are clamped. Removed usage is NOT preserved; callers that
// need conservation use Truncate.
func (c *Conversation) Remove(index, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.Messages) || count <= 0 {
		return
	}
	end := min(index+count, len(c.Messages))
	c.Messages = append(c.Messages[:index], c.Messages[end:]...)
	c.finishMutation()
}

// Truncate removes all messages from fromIndex to the end. Usage
// carried by the doomed range is folded into one accounting message
// per model, inserted at fromIndex before the delete, so the
// conversation's historical token totals are conserved. An accounting
// message inside the doomed range contributes its cumulative bucket,
// which makes repeated truncations compose without losing tokens.
func (c *Conversation) Truncate(fromIndex int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fromIndex < 0 {
		fromIndex = 0
	}
	if fromIndex >= len(c.Messages) {
		return
	}

	doomed := c.Messages[fromIndex:]
	perModel := make(map[string]UsageTotals)
	var order []string

	addBucket := func(model string, t UsageTotals) {
		if t.IsZero() {
			return
		}
		if _, seen := perModel[model]; !seen {
			order = append(order, model)
		}
		bucket := perModel[model]
		bucket.Add(t)
		perModel[model] = bucket
	}

	for _, msg := range doomed {
		if msg.Role == RoleAccounting && msg.Cumulative != nil {
			addBucket(msg.Model, *msg.Cumulative)
			continue
		}
		if msg.Usage != nil {
			addBucket(msg.Model, totalsFromUsage(*msg.Usage, msg.Price))
		}
	}

	c.Messages = c.Messages[:fromIndex]
	for _, model := range order {
		c.Messages = append(c.Messages, NewAccountingMessage(model, perModel[model], reason))
	}
	c.finishMutation()
}

// finishMutation runs with c.mu held.
func (c *Conversation) finishMutation() {
	c.recompute()
	c.UpdatedAt = time.Now()
}

// Recompute rebuilds Totals from scratch by scanning every message:
// live usage with its cached price, accounting cumulative buckets,
// and sub-conversation costs attached to tool results. Idempotent.
func (c *Conversation) Recompute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recompute()
}

func (c *Conversation) recompute() {
	agg := newAggregates()

	for _, msg := range c.Messages {
		switch {
		case msg.Role == RoleAccounting && msg.Cumulative != nil:
			agg.add(msg.Model, *msg.Cumulative)

		case msg.Usage != nil:
			agg.add(msg.Model, totalsFromUsage(*msg.Usage, msg.Price))
		}

		if msg.Role == RoleToolResults {
			for _, tr := range msg.ToolResults {
				if tr.SubChatCosts == nil {
					continue
				}
				for model, bucket := range tr.SubChatCosts.PerModel {
					agg.add(model, bucket)
				}
				// A sub-conversation bucket without per-model detail
				// still counts toward the grand total.
				if len(tr.SubChatCosts.PerModel) == 0 {
					agg.add("", tr.SubChatCosts.Total)
				}
			}
		}
	}

	c.Totals = agg
}
