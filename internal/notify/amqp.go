// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package notify publishes a submission.finalized event to an AMQP fanout
// exchange once a judge pipeline commits its result, letting the
// out-of-scope HTTP front end push live results to students without
// polling the database.
package notify

import (
	"encoding/json"

	"github.com/streadway/amqp"

	"github.com/codepr/dsajudge/internal/models"
)

// finalizedEvent is the small JSON document published for every finalized
// submission.
type finalizedEvent struct {
	SubmissionID int    `json:"submission_id"`
	Result       string `json:"result"`
	Score        int    `json:"score"`
}

// AmqpNotifier publishes finalize events to a named fanout exchange. A nil
// *AmqpNotifier, or one built with an empty url, disables publishing
// entirely, matching
// SPEC_FULL's rule that AMQP_URL's absence never blocks grading.
type AmqpNotifier struct {
	url      string
	exchange string
}

// NewAmqpNotifier builds a notifier against url, declaring exchange as a
// fanout exchange lazily on each publish, mirroring the teacher's
// dial-per-publish AmqpQueue.Produce rather than holding a long-lived
// connection open across submissions.
func NewAmqpNotifier(url, exchange string) *AmqpNotifier {
	return &AmqpNotifier{url: url, exchange: exchange}
}

func (n *AmqpNotifier) PublishFinalized(sub models.Submission) error {
	if n == nil || n.url == "" {
		return nil
	}

	conn, err := amqp.Dial(n.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		n.exchange, // name
		"fanout",   // kind
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		return err
	}

	resultStr := ""
	if sub.Result != nil {
		resultStr = sub.Result.String()
	}
	body, err := json.Marshal(finalizedEvent{
		SubmissionID: sub.ID,
		Result:       resultStr,
		Score:        sub.Score,
	})
	if err != nil {
		return err
	}

	return ch.Publish(
		n.exchange, // exchange
		"",         // routing key, ignored by fanout
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}
