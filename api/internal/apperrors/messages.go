package apperrors

import (
	"context"
	"errors"
)

// UserMessage returns the es-ES text shown to the user, each with a next step.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "Operación cancelada."
	}
	e, ok := As(err)
	if !ok {
		return "Ha ocurrido un error inesperado. Por favor, inténtalo de nuevo."
	}

	switch e.Kind {
	case KindCameraUnavailable:
		switch e.Cause {
		case CausePermissionDenied:
			return "Permiso de cámara denegado. Activa el permiso en los ajustes del navegador o usa la opción de subir archivo."
		case CauseNoDevice:
			return "No se ha encontrado ninguna cámara en este dispositivo. Usa la opción de subir archivo."
		case CauseDeviceBusy:
			return "La cámara está siendo utilizada por otra aplicación. Ciérrala e inténtalo de nuevo, o usa la opción de subir archivo."
		default:
			return "No se pudo acceder a la cámara. Verifica los permisos o usa la opción de subir archivo."
		}
	case KindCameraTimeout:
		return "La cámara no terminó de iniciarse. Inténtalo de nuevo o usa la opción de subir archivo."
	case KindInvalidFile:
		if e.Cause == CauseTooLarge {
			return "La imagen es demasiado grande (máximo 10 MB). Elige una imagen más pequeña."
		}
		return "El archivo seleccionado no es una imagen. Elige una foto en formato JPG, PNG o similar."
	case KindEmptyCapture:
		return "La foto salió vacía o en negro. Acerca el producto, asegúrate de que haya luz y vuelve a capturar, o sube una foto desde la galería."
	case KindEncodingFailed:
		return "No se pudo procesar la imagen. Inténtalo con otra foto."
	case KindInvalidInput:
		return "Datos de imagen inválidos. Vuelve a capturar o sube otra foto."
	case KindTransport:
		switch e.Cause {
		case CauseBadRequest:
			return "Imagen no válida o muy grande. Intenta con una imagen más pequeña y clara."
		case CauseForbidden:
			return "Error de permisos del servicio de análisis. Contacta con el soporte técnico."
		case CauseRateLimited:
			return "Demasiadas solicitudes. Espera un momento e inténtalo de nuevo."
		case CauseServerError:
			return "Servicio temporalmente no disponible. Inténtalo de nuevo en unos minutos."
		case CauseNetwork, CauseTimeout:
			return "Problema de conexión. Comprueba tu conexión a internet e inténtalo de nuevo."
		default:
			return "El servicio de análisis respondió con un error. Inténtalo de nuevo."
		}
	case KindContentBlocked:
		return "Imagen bloqueada por los filtros de seguridad. Intenta con otra imagen del producto."
	case KindEmptyResponse:
		return "El servicio de análisis no devolvió resultados. Inténtalo de nuevo."
	case KindUnparsableResponse:
		return "No se pudo interpretar la respuesta de la IA. Inténtalo de nuevo con una foto más clara."
	}
	return "Ha ocurrido un error inesperado. Por favor, inténtalo de nuevo."
}
