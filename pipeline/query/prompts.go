package query

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxContextChars bounds the telemetry context embedded in a prompt
const DefaultMaxContextChars = 12000

// SystemPrompt frames the assistant for fleet telemetry analysis
const SystemPrompt = `You are a telemetry analyst for an autonomous vehicle fleet. ` +
	`You answer questions about sensor logs recorded by vehicles running ROS2 on NVIDIA DRIVE ` +
	`compute: IMU, LIDAR, CAN bus, GPS and camera metadata, keyed by vehicle_id and timestamp_ns ` +
	`(nanoseconds since epoch). Base every answer strictly on the telemetry rows provided. ` +
	`Cite vehicle IDs, timestamps and values when relevant, call out anomalies such as hard ` +
	`braking or sensor dropouts, and say so plainly when the data does not answer the question.`

const truncationMarker = "\n... [truncated %d characters]"

const userQueryTemplate = "Telemetry data:\n```\n%s\n```\n\nQuestion: %s"

// FormatUserQuery embeds the telemetry context and the question in the user
// message. A context longer than maxContextChars characters is cut to that
// budget and followed by a truncation marker. A non-positive budget uses
// DefaultMaxContextChars.
func FormatUserQuery(question, context string, maxContextChars int) string {
	if maxContextChars <= 0 {
		maxContextChars = DefaultMaxContextChars
	}

	if total := utf8.RuneCountInString(context); total > maxContextChars {
		cut, kept := 0, 0
		for i := range context {
			if kept == maxContextChars {
				cut = i
				break
			}
			kept++
		}
		context = context[:cut] + fmt.Sprintf(truncationMarker, total-maxContextChars)
	}

	return fmt.Sprintf(userQueryTemplate, context, question)
}
